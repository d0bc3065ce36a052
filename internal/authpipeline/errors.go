package authpipeline

import "errors"

// ErrMalformedUpstream is returned (wrapped with stage context) when an
// HTTPS response from the identity provider, Xbox Live, XSTS, or
// Minecraft is missing a required field or is structurally unexpected.
var ErrMalformedUpstream = errors.New("authpipeline: malformed upstream response")

// ErrInteractionRequired is returned by S1 when the identity provider
// demands a browser/device-code prompt but interactiveAllowed is false.
var ErrInteractionRequired = errors.New("authpipeline: interactive sign-in required")
