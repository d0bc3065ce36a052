package authpipeline

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/crutech/nydus/internal/token"
	"github.com/crutech/nydus/internal/validate"
)

// AuthorityURL is the identity-provider authority consumer accounts
// authenticate against.
const AuthorityURL = "https://login.microsoftonline.com/consumers"

// scopesNeeded mirrors the original's SCOPES_NEEDED; offline_access is
// added so the device-code grant returns a refresh token the cache can
// use for later silent reacquisition.
var scopesNeeded = []string{"XboxLive.signin", "offline_access"}

// IdentityProvider is S1 of the pipeline: given an upstream username,
// produce a fresh t_idp token. interactiveAllowed controls whether a
// device-code prompt may be triggered when no cached session exists.
type IdentityProvider interface {
	AcquireToken(ctx context.Context, username string, interactiveAllowed bool) (token.AccessToken, error)
}

// DevicePrompt is called with the verification URI and user code an
// operator must visit to complete an interactive sign-in. It is how the
// CLI-facing boundary surfaces the prompt; the pipeline itself never
// touches a terminal or browser directly.
type DevicePrompt func(da *oauth2.DeviceAuthResponse)

// MSALProvider implements IdentityProvider using OAuth2's device
// authorization grant (RFC 8628) against the identity-provider
// authority, standing in for MSAL's silent/interactive acquisition: a
// cached refresh token is tried first, and a device-code prompt is only
// triggered when no cached session exists and interactiveAllowed is
// true.
type MSALProvider struct {
	config oauth2.Config
	cache  *IdentityCache
	prompt DevicePrompt
}

// NewMSALProvider constructs a provider for the given client ID. cache
// must be shared with anything else that needs to know whether a
// username currently has a cached session (e.g. maintenance).
func NewMSALProvider(clientID string, cache *IdentityCache, prompt DevicePrompt) (*MSALProvider, error) {
	if !validate.NonEmptyNoCommaNoWhitespace(clientID) {
		return nil, fmt.Errorf("authpipeline: invalid MSAL client id %q", clientID)
	}
	return &MSALProvider{
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:       AuthorityURL + "/oauth2/v2.0/authorize",
				TokenURL:      AuthorityURL + "/oauth2/v2.0/token",
				DeviceAuthURL: AuthorityURL + "/oauth2/v2.0/devicecode",
			},
			Scopes: scopesNeeded,
		},
		cache:  cache,
		prompt: prompt,
	}, nil
}

// AcquireToken implements IdentityProvider.
func (p *MSALProvider) AcquireToken(ctx context.Context, username string, interactiveAllowed bool) (token.AccessToken, error) {
	if !validate.UpstreamUsername(username) {
		return token.AccessToken{}, fmt.Errorf("authpipeline: invalid upstream username %q", username)
	}

	if cached, ok := p.cache.CachedToken(username); ok {
		if at, err := p.tokenFromOAuth2(p.config.TokenSource(ctx, cached), username); err == nil {
			return at, nil
		}
		// Silent refresh failed; the cached session is no longer good.
		p.cache.Forget(username)
	}

	if !interactiveAllowed {
		return token.AccessToken{}, fmt.Errorf("%w: no cached session for %s", ErrInteractionRequired, username)
	}

	da, err := p.config.DeviceAuth(ctx, oauth2.SetAuthURLParam("login_hint", username))
	if err != nil {
		return token.AccessToken{}, fmt.Errorf("authpipeline: starting device sign-in for %s: %w", username, err)
	}
	if p.prompt != nil {
		p.prompt(da)
	}

	oaTok, err := p.config.DeviceAccessToken(ctx, da)
	if err != nil {
		return token.AccessToken{}, fmt.Errorf("authpipeline: device sign-in for %s did not complete: %w", username, err)
	}
	p.cache.Store(username, oaTok)

	return token.New(oaTok.AccessToken, oaTok.Expiry, "")
}

func (p *MSALProvider) tokenFromOAuth2(ts oauth2.TokenSource, username string) (token.AccessToken, error) {
	oaTok, err := ts.Token()
	if err != nil {
		return token.AccessToken{}, err
	}
	at, err := token.New(oaTok.AccessToken, oaTok.Expiry, "")
	if err != nil {
		return token.AccessToken{}, err
	}
	p.cache.Store(username, oaTok)
	return at, nil
}
