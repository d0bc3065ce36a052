package authpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crutech/nydus/internal/token"
	"github.com/crutech/nydus/internal/validate"
)

// Endpoints holds the three endpoint URLs (S2-S4) and the profile URL
// (S5) the pipeline posts/gets against; the identity-provider authority
// for S1 is AuthorityURL. Configuration constants per spec.md §6;
// overridable so tests can point at an httptest.Server.
type Endpoints struct {
	XboxLiveURL      string
	XSTSURL          string
	MinecraftAuthURL string
	MinecraftProfile string
}

// DefaultEndpoints returns the real upstream endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		XboxLiveURL:      "https://user.auth.xboxlive.com/user/authenticate",
		XSTSURL:          "https://xsts.auth.xboxlive.com/xsts/authorize",
		MinecraftAuthURL: "https://api.minecraftservices.com/authentication/login_with_xbox",
		MinecraftProfile: "https://api.minecraftservices.com/minecraft/profile",
	}
}

var authHeaders = map[string]string{
	"Content-Type": "application/json",
	"Accept":       "application/json",
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, bearer string) (map[string]any, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("authpipeline: encoding request to %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("authpipeline: building request to %s: %w", url, err)
	}
	for k, v := range authHeaders {
		req.Header.Set(k, v)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return doJSON(client, req, url)
}

func getJSON(ctx context.Context, client *http.Client, url, bearer string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("authpipeline: building request to %s: %w", url, err)
	}
	for k, v := range authHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	return doJSON(client, req, url)
}

func doJSON(client *http.Client, req *http.Request, url string) (map[string]any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authpipeline: request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("authpipeline: reading response from %s: %w", url, err)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: response from %s was not a JSON object: %v", ErrMalformedUpstream, url, err)
	}
	return body, nil
}

func stringField(body map[string]any, key, url string) (string, error) {
	v, ok := body[key]
	if !ok {
		return "", fmt.Errorf("%w: response from %s missing field %q", ErrMalformedUpstream, url, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q from %s was %T, not a string", ErrMalformedUpstream, key, url, v)
	}
	return s, nil
}

// GetTokXboxLive is S2: platform-auth. Exchanges the identity-provider
// token for a Xbox Live token plus hash, extracted from
// DisplayClaims.xui[0].uhs.
func GetTokXboxLive(ctx context.Context, client *http.Client, ep Endpoints, idp token.AccessToken) (token.AccessToken, error) {
	body := map[string]any{
		"Properties": map[string]any{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + idp.Token(),
		},
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
	}
	return xboxLikeExchange(ctx, client, ep.XboxLiveURL, body, "")
}

// GetTokXSTS is S3: platform-authorization. Exchanges the platform-auth
// token for an XSTS token plus hash (same extraction path as S2). The
// S3 hash, not S2's, is used downstream; a mismatch between the two is
// not fatal.
func GetTokXSTS(ctx context.Context, client *http.Client, ep Endpoints, platform token.AccessToken) (token.AccessToken, error) {
	body := map[string]any{
		"Properties": map[string]any{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{platform.Token()},
		},
		"RelyingParty": "rp://api.minecraftservices.com/",
		"TokenType":    "JWT",
	}
	return xboxLikeExchange(ctx, client, ep.XSTSURL, body, "")
}

// xboxLikeExchange implements the response shape shared by S2 and S3:
// a "Token" field, a "NotAfter" high-precision timestamp, and a hash at
// the fixed nested path.
func xboxLikeExchange(ctx context.Context, client *http.Client, url string, reqBody any, bearer string) (token.AccessToken, error) {
	respBody, err := postJSON(ctx, client, url, reqBody, bearer)
	if err != nil {
		return token.AccessToken{}, err
	}

	tok, err := stringField(respBody, "Token", url)
	if err != nil {
		return token.AccessToken{}, err
	}

	hash, err := extractXboxHash(respBody)
	if err != nil {
		return token.AccessToken{}, err
	}

	notAfter, err := stringField(respBody, "NotAfter", url)
	if err != nil {
		return token.AccessToken{}, err
	}
	expiry, err := parseXboxTimestamp(notAfter)
	if err != nil {
		return token.AccessToken{}, err
	}

	return token.New(tok, expiry, hash)
}

// GetTokMinecraft is S4: game-auth. Exchanges the platform-authz token
// and hash for a Minecraft access token, whose expiry is now +
// expires_in seconds.
func GetTokMinecraft(ctx context.Context, client *http.Client, ep Endpoints, platformAuthz token.AccessToken) (token.AccessToken, error) {
	body := map[string]any{
		"identityToken": fmt.Sprintf("XBL3.0 x=%s;%s", platformAuthz.Hash(), platformAuthz.Token()),
	}
	respBody, err := postJSON(ctx, client, ep.MinecraftAuthURL, body, "")
	if err != nil {
		return token.AccessToken{}, err
	}

	tok, err := stringField(respBody, "access_token", ep.MinecraftAuthURL)
	if err != nil {
		return token.AccessToken{}, err
	}

	expiresIn, ok := respBody["expires_in"]
	if !ok {
		return token.AccessToken{}, fmt.Errorf("%w: response from %s missing field %q", ErrMalformedUpstream, ep.MinecraftAuthURL, "expires_in")
	}
	seconds, ok := expiresIn.(float64)
	if !ok {
		return token.AccessToken{}, fmt.Errorf("%w: field %q from %s was %T, not a number", ErrMalformedUpstream, "expires_in", ep.MinecraftAuthURL, expiresIn)
	}

	return token.New(tok, time.Now().Add(time.Duration(seconds)*time.Second), "")
}

// GetMinecraftDetails is S5: identity fetch. Fetches the display name
// and UUID bound to the given Minecraft token.
func GetMinecraftDetails(ctx context.Context, client *http.Client, ep Endpoints, mc token.AccessToken) (displayName, uuid string, err error) {
	respBody, err := getJSON(ctx, client, ep.MinecraftProfile, mc.Token())
	if err != nil {
		return "", "", err
	}

	displayName, err = stringField(respBody, "name", ep.MinecraftProfile)
	if err != nil {
		return "", "", err
	}
	uuid, err = stringField(respBody, "id", ep.MinecraftProfile)
	if err != nil {
		return "", "", err
	}
	if !validate.NonEmptyNoCommaNoWhitespace(uuid) {
		return "", "", fmt.Errorf("%w: minecraft profile uuid %q is not well-formed", ErrMalformedUpstream, uuid)
	}
	return displayName, uuid, nil
}
