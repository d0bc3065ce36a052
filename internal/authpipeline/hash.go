package authpipeline

import "fmt"

// hashKind is the carrier type expected at a given step of the
// hash-extraction walk.
type hashKind int

const (
	kindObject hashKind = iota
	kindArray
)

// hashStep is one (key-or-index, expected-kind) step of the walk. A
// data-driven list rather than hard-coded field access, so a kind
// mismatch is a first-class error at the exact failing step.
type hashStep struct {
	key  string // used when kind == kindObject
	idx  int    // used when kind == kindArray
	kind hashKind
}

// xboxHashSteps is the fixed nested-path descent that yields the
// platform-stage secondary claim: DisplayClaims.xui[0].uhs.
var xboxHashSteps = []hashStep{
	{key: "DisplayClaims", kind: kindObject},
	{key: "xui", kind: kindObject},
	{idx: 0, kind: kindArray},
	{key: "uhs", kind: kindObject},
}

// extractXboxHash walks xboxHashSteps over a decoded JSON body (as
// produced by encoding/json into interface{}), validating the carrier
// type at each step. A mismatch fails with ErrMalformedUpstream naming
// the exact step, never a silent empty hash.
func extractXboxHash(body any) (string, error) {
	cur := body
	for i, step := range xboxHashSteps {
		switch step.kind {
		case kindObject:
			obj, ok := cur.(map[string]any)
			if !ok {
				return "", fmt.Errorf("%w: hash step %d expected an object, got %T", ErrMalformedUpstream, i, cur)
			}
			v, ok := obj[step.key]
			if !ok {
				return "", fmt.Errorf("%w: hash step %d missing key %q", ErrMalformedUpstream, i, step.key)
			}
			cur = v
		case kindArray:
			arr, ok := cur.([]any)
			if !ok {
				return "", fmt.Errorf("%w: hash step %d expected an array, got %T", ErrMalformedUpstream, i, cur)
			}
			if step.idx >= len(arr) {
				return "", fmt.Errorf("%w: hash step %d missing index %d", ErrMalformedUpstream, i, step.idx)
			}
			cur = arr[step.idx]
		default:
			return "", fmt.Errorf("%w: hash step %d has an unrecognised kind", ErrMalformedUpstream, i)
		}
	}
	hash, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("%w: hash extraction landed on %T, not a string", ErrMalformedUpstream, cur)
	}
	return hash, nil
}
