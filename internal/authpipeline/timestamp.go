package authpipeline

import (
	"fmt"
	"strings"
	"time"
)

const xboxTimestampPrefixLayout = "2006-01-02T15:04:05"

// parseXboxTimestamp parses a platform-stage NotAfter value: an
// ISO-8601 timestamp with 6 or 7 fractional-second digits followed by a
// trailing Z. Policy: split on the last '.', validate the fixed prefix,
// trim the trailing Z, truncate a 7th fraction digit if present, and
// parse. Anything outside 6..7 fraction digits is rejected.
func parseXboxTimestamp(ts string) (time.Time, error) {
	dot := strings.LastIndexByte(ts, '.')
	if dot < 0 {
		return time.Time{}, fmt.Errorf("%w: xbox timestamp %q has no fractional-second separator", ErrMalformedUpstream, ts)
	}

	prefix := ts[:dot]
	if _, err := time.Parse(xboxTimestampPrefixLayout, prefix); err != nil {
		return time.Time{}, fmt.Errorf("%w: xbox timestamp %q has an invalid prefix: %v", ErrMalformedUpstream, ts, err)
	}

	rest := ts[dot+1:]
	if !strings.HasSuffix(rest, "Z") {
		return time.Time{}, fmt.Errorf("%w: xbox timestamp %q is missing its trailing Z", ErrMalformedUpstream, ts)
	}
	frac := strings.TrimSuffix(rest, "Z")

	switch len(frac) {
	case 6:
		// already the right width
	case 7:
		frac = frac[:6] // right-truncate the 7th digit
	default:
		return time.Time{}, fmt.Errorf("%w: xbox timestamp %q has a %d-digit fraction, want 6 or 7", ErrMalformedUpstream, ts, len(frac))
	}

	fixed := prefix + "." + frac
	parsed, err := time.Parse(xboxTimestampPrefixLayout+".000000", fixed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: xbox timestamp %q failed to parse after normalisation: %v", ErrMalformedUpstream, ts, err)
	}
	return parsed.UTC(), nil
}
