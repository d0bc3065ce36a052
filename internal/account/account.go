// Package account implements the account-auth bundle (C2): the four
// chained access tokens plus the issued game identity for one upstream
// account.
package account

import (
	"errors"

	"github.com/crutech/nydus/internal/token"
)

// ErrTokenEchoMismatch would indicate game_identity.token_echo has drifted
// from t_game.token; ReplaceGameToken makes this unreachable through the
// bundle's own API, but Validate defends against bundles built by other
// means (e.g. loaded from disk).
var ErrTokenEchoMismatch = errors.New("account: game_identity.token_echo does not match t_game.token")

// GameIdentity is the identity issued by the game-auth stage: a display
// name and UUID, plus an echo of the game token used to fetch them.
type GameIdentity struct {
	DisplayName string
	UUID        string
	TokenEcho   string
}

// AuthBundle aggregates the four chained tokens and the issued game
// identity for one upstream account.
//
// Invariant: TGame.Token() == GameIdentity.TokenEcho at all times. The
// bundle's setters for TGame, ReplaceGameToken and
// ReplaceGameTokenAndIdentity, both keep the two in lockstep.
type AuthBundle struct {
	UpstreamUsername string

	TIdp           token.AccessToken
	TPlatform      token.AccessToken
	TPlatformAuthz token.AccessToken
	TGame          token.AccessToken

	GameIdentity GameIdentity
}

// New constructs an empty bundle for the given upstream username. Tokens
// are filled in by the pipeline stage setters.
func New(upstreamUsername string) *AuthBundle {
	return &AuthBundle{UpstreamUsername: upstreamUsername}
}

// ReplaceIdpToken updates the identity-provider stage token (S1).
func (b *AuthBundle) ReplaceIdpToken(t token.AccessToken) { b.TIdp = t }

// ReplacePlatformToken updates the platform-auth stage token (S2).
func (b *AuthBundle) ReplacePlatformToken(t token.AccessToken) { b.TPlatform = t }

// ReplacePlatformAuthzToken updates the platform-authorization stage
// token (S3).
func (b *AuthBundle) ReplacePlatformAuthzToken(t token.AccessToken) { b.TPlatformAuthz = t }

// ReplaceGameToken sets t_game and rewrites game_identity.token_echo in
// the same step, preserving the bundle's cross-field invariant. Every
// other field of GameIdentity is left untouched; callers that also
// learned a new display name/UUID from S5 use
// ReplaceGameTokenAndIdentity.
func (b *AuthBundle) ReplaceGameToken(t token.AccessToken) {
	b.TGame = t
	b.GameIdentity.TokenEcho = t.Token()
}

// ReplaceGameTokenAndIdentity sets t_game and the full identity (S4 then
// S5) atomically, keeping token_echo consistent with the new token.
func (b *AuthBundle) ReplaceGameTokenAndIdentity(t token.AccessToken, displayName, uuid string) {
	b.TGame = t
	b.GameIdentity = GameIdentity{
		DisplayName: displayName,
		UUID:        uuid,
		TokenEcho:   t.Token(),
	}
}

// Validate checks the cross-field invariant between TGame and
// GameIdentity.TokenEcho. Bundles built only through the setters above
// can never violate it; this exists for bundles reconstructed from
// storage.
func (b *AuthBundle) Validate() error {
	if b.TGame.IsZero() && b.GameIdentity.TokenEcho == "" {
		return nil
	}
	if b.TGame.Token() != b.GameIdentity.TokenEcho {
		return ErrTokenEchoMismatch
	}
	return nil
}

// Clone returns a deep copy sharing no substructure with the receiver.
// AccessToken and GameIdentity are value types, so a plain struct copy
// already satisfies this; Clone exists to make the no-aliasing guarantee
// explicit at call sites (mirroring the original's AccountAuthTokens.copy
// and AllocAccount.copy).
func (b *AuthBundle) Clone() *AuthBundle {
	cp := *b
	return &cp
}
