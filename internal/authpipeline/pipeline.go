package authpipeline

import (
	"context"
	"net/http"

	"github.com/crutech/nydus/internal/account"
)

// Pipeline bundles the collaborators every stage needs: the HTTP client
// used for the three plain-HTTPS stages, the endpoint URLs, and the
// identity provider used for S1.
type Pipeline struct {
	Client    *http.Client
	Endpoints Endpoints
	IDP       IdentityProvider
}

// New constructs a Pipeline with the default upstream endpoints and a
// plain *http.Client.
func New(idp IdentityProvider) *Pipeline {
	return &Pipeline{
		Client:    &http.Client{},
		Endpoints: DefaultEndpoints(),
		IDP:       idp,
	}
}

// AuthStream runs the full four-stage chain (S1-S4) plus the S5 identity
// fetch for one upstream username, producing a complete bundle. On
// failure at any stage the function fails with that stage's error;
// partial results are discarded.
func (p *Pipeline) AuthStream(ctx context.Context, username string, interactiveAllowed bool) (*account.AuthBundle, error) {
	idpTok, err := p.IDP.AcquireToken(ctx, username, interactiveAllowed)
	if err != nil {
		return nil, err
	}

	platformTok, err := GetTokXboxLive(ctx, p.Client, p.Endpoints, idpTok)
	if err != nil {
		return nil, err
	}

	authzTok, err := GetTokXSTS(ctx, p.Client, p.Endpoints, platformTok)
	if err != nil {
		return nil, err
	}

	gameTok, err := GetTokMinecraft(ctx, p.Client, p.Endpoints, authzTok)
	if err != nil {
		return nil, err
	}

	displayName, uuid, err := GetMinecraftDetails(ctx, p.Client, p.Endpoints, gameTok)
	if err != nil {
		return nil, err
	}

	b := account.New(username)
	b.ReplaceIdpToken(idpTok)
	b.ReplacePlatformToken(platformTok)
	b.ReplacePlatformAuthzToken(authzTok)
	b.ReplaceGameTokenAndIdentity(gameTok, displayName, uuid)
	return b, nil
}

// AuthAll attempts AuthStream independently for every username. It never
// fails as a whole: each failure becomes a nil entry in the returned
// map, and siblings are unaffected.
func (p *Pipeline) AuthAll(ctx context.Context, usernames []string, interactiveAllowed bool) map[string]*account.AuthBundle {
	results := make(map[string]*account.AuthBundle, len(usernames))
	for _, username := range usernames {
		bundle, err := p.AuthStream(ctx, username, interactiveAllowed)
		if err != nil {
			results[username] = nil
			continue
		}
		results[username] = bundle
	}
	return results
}

// Renewal note: maintenance refreshes a single near-expiry stage by
// calling that stage's standalone function directly rather than
// AuthStream — IDP.AcquireToken for t_idp, GetTokXboxLive for
// t_platform, GetTokXSTS for t_platform_authz, and GetTokMinecraft for
// t_game — each taking the still-valid upstream token of the prior
// stage. This is the same per-stage function AuthStream calls
// internally, so there is no duplicated logic between full-chain and
// incremental renewal.
