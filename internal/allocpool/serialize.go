package allocpool

import (
	"fmt"
	"strings"
	"time"

	"github.com/crutech/nydus/internal/account"
	"github.com/crutech/nydus/internal/token"
)

// internalTimestampLayout is "dd-mm-yyyy HH:MM:SS", the format used for
// every timestamp stored in the pool file. Timestamps are written and
// read as UTC.
const internalTimestampLayout = "02-01-2006 15:04:05"

// poolFieldNames is the header line, naming the 16 fields in order.
var poolFieldNames = []string{
	"client_addr", "client_user", "allocated_at", "upstream_username",
	"t_idp.token", "t_idp.expires_at",
	"t_platform.token", "t_platform.expires_at", "t_platform.hash",
	"t_platform_authz.token", "t_platform_authz.expires_at", "t_platform_authz.hash",
	"t_game.token", "t_game.expires_at",
	"game_display_name", "game_uuid",
}

const poolFieldCount = 16

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(internalTimestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(internalTimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedPoolFile, s, err)
	}
	return t, nil
}

// serialize renders one record as a comma-separated line, with no
// trailing newline.
func (r *Record) serialize() string {
	b := r.Bundle
	if b == nil {
		b = account.New("")
	}
	fields := []string{
		r.ClientAddr,
		r.ClientUser,
		formatTimestamp(r.AllocatedAt),
		b.UpstreamUsername,
		b.TIdp.Token(), formatTimestamp(b.TIdp.ExpiresAt()),
		b.TPlatform.Token(), formatTimestamp(b.TPlatform.ExpiresAt()), b.TPlatform.Hash(),
		b.TPlatformAuthz.Token(), formatTimestamp(b.TPlatformAuthz.ExpiresAt()), b.TPlatformAuthz.Hash(),
		b.TGame.Token(), formatTimestamp(b.TGame.ExpiresAt()),
		b.GameIdentity.DisplayName, b.GameIdentity.UUID,
	}
	return strings.Join(fields, ",")
}

// parseRecord parses one data line into a Record. Fails with
// ErrMalformedPoolFile if the field count is wrong (strict schema) or
// any timestamp fails to parse. A partially-populated tenancy triple is
// normalised to Free.
func parseRecord(line string) (*Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != poolFieldCount {
		return nil, fmt.Errorf("%w: line has %d fields, want %d", ErrMalformedPoolFile, len(fields), poolFieldCount)
	}

	allocatedAt, err := parseTimestamp(fields[2])
	if err != nil {
		return nil, err
	}

	b := account.New(fields[3])

	idpExpiry, err := parseTimestamp(fields[5])
	if err != nil {
		return nil, err
	}
	if fields[4] != "" {
		tok, err := token.New(fields[4], idpExpiry, "")
		if err != nil {
			return nil, fmt.Errorf("%w: t_idp: %v", ErrMalformedPoolFile, err)
		}
		b.ReplaceIdpToken(tok)
	}

	platExpiry, err := parseTimestamp(fields[7])
	if err != nil {
		return nil, err
	}
	if fields[6] != "" {
		tok, err := token.New(fields[6], platExpiry, fields[8])
		if err != nil {
			return nil, fmt.Errorf("%w: t_platform: %v", ErrMalformedPoolFile, err)
		}
		b.ReplacePlatformToken(tok)
	}

	authzExpiry, err := parseTimestamp(fields[10])
	if err != nil {
		return nil, err
	}
	if fields[9] != "" {
		tok, err := token.New(fields[9], authzExpiry, fields[11])
		if err != nil {
			return nil, fmt.Errorf("%w: t_platform_authz: %v", ErrMalformedPoolFile, err)
		}
		b.ReplacePlatformAuthzToken(tok)
	}

	gameExpiry, err := parseTimestamp(fields[13])
	if err != nil {
		return nil, err
	}
	if fields[12] != "" {
		tok, err := token.New(fields[12], gameExpiry, "")
		if err != nil {
			return nil, fmt.Errorf("%w: t_game: %v", ErrMalformedPoolFile, err)
		}
		b.ReplaceGameTokenAndIdentity(tok, fields[14], fields[15])
	}

	r := &Record{
		ClientAddr:  fields[0],
		ClientUser:  fields[1],
		AllocatedAt: allocatedAt,
		Bundle:      b,
	}
	r.normaliseTenancy()
	return r, nil
}
