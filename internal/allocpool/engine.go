package allocpool

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crutech/nydus/internal/validate"
)

// ErrMalformedPoolFile is returned when a pool file line has the wrong
// field count or an unparseable timestamp.
var ErrMalformedPoolFile = errors.New("allocpool: malformed pool file")

// ErrStorageFailure is returned when the pool file could not be written.
// Per spec.md §4.5, this is fatal: the process must not continue with
// in-memory state diverged from disk.
var ErrStorageFailure = errors.New("allocpool: failed to persist pool file")

// ErrInvalidAllocationRequest is returned when allocate is given a
// client address that is not well-formed or a user that does not refer
// to an existing local account.
var ErrInvalidAllocationRequest = errors.New("allocpool: invalid allocation request")

// Engine owns the in-memory pool and its backing file. Every public
// operation is serialised by a single writer lock held for its full
// duration, including the Save at the tail — there are no reader-only
// fast paths.
type Engine struct {
	mu   sync.Mutex
	path string
	recs []*Record

	// UserExists reports whether a local system user exists; injected
	// so tests don't depend on the actual accounts of the machine
	// running them. Defaults to validate.SystemUser.
	UserExists func(string) bool
}

// Load opens path, parses the header and every subsequent line into a
// Record (normalising partial tenancies to Free), and returns a ready
// Engine. A parse failure is fatal to startup, per spec.md §4.5.
func Load(path string) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrMalformedPoolFile, path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !sc.Scan() {
		// Empty file: no header, no records. Caller uses Create to
		// populate it from a fresh auth_all.
		return &Engine{path: path, UserExists: validate.SystemUser}, nil
	}
	// First line is the header; its exact content is not validated
	// beyond being present, since it is written by this same package.

	var recs []*Record
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		r, err := parseRecord(line)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformedPoolFile, path, err)
	}

	return &Engine{path: path, recs: recs, UserExists: validate.SystemUser}, nil
}

// Create replaces the in-memory pool, for use when the file was empty
// at startup (initial population from a fresh auth_all). Saves
// immediately.
func (e *Engine) Create(recs []*Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = recs
	return e.saveLocked()
}

// saveLocked rewrites the whole pool file atomically: write to a
// sibling temp file, fsync, rename over the original. Must be called
// with mu held.
func (e *Engine) saveLocked() error {
	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, ".nydus-pool-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrStorageFailure, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(strings.Join(poolFieldNames, ",") + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing header: %v", ErrStorageFailure, err)
	}
	for _, r := range e.recs {
		if _, err := w.WriteString(r.serialize() + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: writing record: %v", ErrStorageFailure, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: flushing: %v", ErrStorageFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync: %v", ErrStorageFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrStorageFailure, err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		return fmt.Errorf("%w: renaming into place: %v", ErrStorageFailure, err)
	}
	return nil
}

// Save rewrites the pool file under the writer lock.
func (e *Engine) Save() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveLocked()
}

func (e *Engine) userExists(user string) bool {
	if e.UserExists != nil {
		return e.UserExists(user)
	}
	return validate.SystemUser(user)
}

// releaseByAddrLocked releases every record currently allocated to addr.
// Must be called with mu held. Returns the count released.
func (e *Engine) releaseByAddrLocked(addr string) int {
	n := 0
	for _, r := range e.recs {
		if r.IsAllocated() && r.ClientAddr == addr {
			r.Release()
			n++
		}
	}
	return n
}

// Allocate enforces the single-account-per-client invariant: it first
// releases every record currently allocated to client_addr, then scans
// in insertion order for a Free record, marks it Allocated, and returns
// it. The scan passes over the records this client held before the call,
// so a repeat request moves the client to a different record. If no
// other record is free, returns (nil, nil) — spec.md's no-free-record
// is not an error condition, it is surfaced by the caller closing the
// connection without a response.
func (e *Engine) Allocate(clientAddr, clientUser string, now time.Time) (*Record, error) {
	if !validate.IPv4(clientAddr) {
		return nil, fmt.Errorf("%w: client address %q is not well-formed", ErrInvalidAllocationRequest, clientAddr)
	}
	if !e.userExists(clientUser) {
		return nil, fmt.Errorf("%w: user %q does not exist", ErrInvalidAllocationRequest, clientUser)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	held := make(map[*Record]bool)
	for _, r := range e.recs {
		held[r] = r.IsAllocated() && r.ClientAddr == clientAddr
	}
	e.releaseByAddrLocked(clientAddr)

	var allocated *Record
	for _, r := range e.recs {
		if !r.IsAllocated() && !held[r] {
			if err := r.Allocate(clientAddr, clientUser, now); err != nil {
				return nil, err
			}
			allocated = r
			break
		}
	}

	if err := e.saveLocked(); err != nil {
		return nil, err
	}
	if allocated == nil {
		return nil, nil
	}
	return allocated.Clone(), nil
}

// AllocateByUUID forces allocation of every record matching uuid,
// regardless of current state — an administrative override. Duplicate
// UUIDs are a diagnostic condition, not a fault: all matches are acted
// on, yielding multiple tenancies sharing the UUID.
func (e *Engine) AllocateByUUID(uuid, addr, user string, now time.Time) ([]*Record, error) {
	if !validate.IPv4(addr) {
		return nil, fmt.Errorf("%w: client address %q is not well-formed", ErrInvalidAllocationRequest, addr)
	}
	if !e.userExists(user) {
		return nil, fmt.Errorf("%w: user %q does not exist", ErrInvalidAllocationRequest, user)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []*Record
	for _, r := range e.recs {
		if r.Bundle != nil && r.Bundle.GameIdentity.UUID == uuid {
			if err := r.Allocate(addr, user, now); err != nil {
				return nil, err
			}
			matched = append(matched, r)
		}
	}

	if err := e.saveLocked(); err != nil {
		return nil, err
	}
	out := make([]*Record, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

// ReleaseByUUID releases all records matching uuid. Returns the count
// released.
func (e *Engine) ReleaseByUUID(uuid string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, r := range e.recs {
		if r.Bundle != nil && r.Bundle.GameIdentity.UUID == uuid && r.IsAllocated() {
			r.Release()
			n++
		}
	}
	if err := e.saveLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// ReleaseByAddr releases all records currently allocated to addr.
// Returns the count released.
func (e *Engine) ReleaseByAddr(addr string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.releaseByAddrLocked(addr)
	if err := e.saveLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// ReleaseExpired releases every record whose tenancy age exceeds limit.
// Returns the count released.
func (e *Engine) ReleaseExpired(limit time.Duration, now time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, r := range e.recs {
		if r.TenancyExpired(limit, now) {
			r.Release()
			n++
		}
	}
	if err := e.saveLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// ReleaseWhereNoSession releases every allocated record whose (user,
// addr) tenancy has no entry in liveSessions (a set of "user@addr"
// keys, see sessionprobe.Session.Key). Used by maintenance step 3. Returns the
// count released.
func (e *Engine) ReleaseWhereNoSession(liveSessions map[string]bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, r := range e.recs {
		if !r.IsAllocated() {
			continue
		}
		key := r.ClientUser + "@" + r.ClientAddr
		if !liveSessions[key] {
			r.Release()
			n++
		}
	}
	if err := e.saveLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// ViewAll returns clones of every record, in pool order.
func (e *Engine) ViewAll() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.recs)
}

// ViewByUUID returns clones of every record matching uuid.
func (e *Engine) ViewByUUID(uuid string) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	for _, r := range e.recs {
		if r.Bundle != nil && r.Bundle.GameIdentity.UUID == uuid {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ViewByAddr returns clones of every record currently allocated to addr.
func (e *Engine) ViewByAddr(addr string) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	for _, r := range e.recs {
		if r.IsAllocated() && r.ClientAddr == addr {
			out = append(out, r.Clone())
		}
	}
	return out
}

// CountTotal returns the number of records in the pool.
func (e *Engine) CountTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recs)
}

func cloneAll(recs []*Record) []*Record {
	out := make([]*Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
