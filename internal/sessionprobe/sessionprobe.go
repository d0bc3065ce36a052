// Package sessionprobe enumerates current remote interactive sessions
// on the host (C6), used by maintenance to decide whether a tenancy is
// still real. Grounded on the original's SSHLogins.py: shell out to the
// session-listing utility, parse whitespace-delimited rows, and keep
// only rows whose origin parses as IPv4 (local/TTY sessions are
// discarded).
package sessionprobe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/crutech/nydus/internal/validate"
)

// whoFieldCount is the number of whitespace-delimited fields `who`
// produces per session line: NAME, LINE, TIME (two tokens), and the
// parenthesised origin, e.g.:
//
//	alice   pts/0   2024-03-15 10:30 (192.168.1.5)
const whoFieldCount = 5

const usernameField = 0
const originField = 4

// Session is a (user, addr) pair representing a live remote interactive
// login on the host. Lifetime is the host's, not the pool's.
type Session struct {
	User string
	Addr string
}

// Key returns the "user@addr" form used to cross-reference against
// allocpool tenancies.
func (s Session) Key() string { return s.User + "@" + s.Addr }

// Prober enumerates sessions by invoking cmdName (normally "who"). It
// exists so tests can substitute a fake command instead of depending on
// the actual logged-in-users state of the machine running them.
type Prober struct {
	CmdName string
}

// New returns a Prober that shells out to the host's "who" command.
func New() *Prober {
	return &Prober{CmdName: "who"}
}

// Sessions runs the probe and returns every retained (user, addr) pair.
func (p *Prober) Sessions(ctx context.Context) ([]Session, error) {
	cmdName := p.CmdName
	if cmdName == "" {
		cmdName = "who"
	}

	cmd := exec.CommandContext(ctx, cmdName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sessionprobe: %s failed: %w (stderr: %s)", cmdName, err, stderr.String())
	}

	return parseWho(stdout.String()), nil
}

// parseWho parses `who`-style output, keeping only rows whose origin
// field is a well-formed IPv4 address in parentheses.
func parseWho(output string) []Session {
	var sessions []Session
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != whoFieldCount {
			continue
		}
		origin := strings.Trim(fields[originField], "()")
		if !validate.IPv4(origin) {
			continue
		}
		sessions = append(sessions, Session{User: fields[usernameField], Addr: origin})
	}
	return sessions
}

// SessionsFor returns the subset of sessions matching user and/or addr.
// Passing "" for either matches any value for that field.
func SessionsFor(sessions []Session, user, addr string) []Session {
	var out []Session
	for _, s := range sessions {
		if user != "" && s.User != user {
			continue
		}
		if addr != "" && s.Addr != addr {
			continue
		}
		out = append(out, s)
	}
	return out
}

// LiveSet builds the "user@addr" lookup set allocpool.Engine's
// ReleaseWhereNoSession expects.
func LiveSet(sessions []Session) map[string]bool {
	set := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		set[s.Key()] = true
	}
	return set
}
