// Package allocpool implements the allocation record (C4) and
// allocation engine (C5): the durable, concurrency-safe account pool.
package allocpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/crutech/nydus/internal/account"
	"github.com/crutech/nydus/internal/validate"
)

// ErrInvalidTenancy is returned when an allocate/reallocate call is
// given a client address that is not well-formed.
var ErrInvalidTenancy = errors.New("allocpool: invalid client address")

// Record is one row of the pool file: an optional tenancy triple
// (client_addr, client_user, allocated_at) plus the account-auth bundle
// for one upstream account.
//
// Invariant: the tenancy triple is either fully populated (Allocated) or
// fully empty (Free); any partial triple is normalised to Free at load.
type Record struct {
	ClientAddr  string
	ClientUser  string
	AllocatedAt time.Time // zero value means "not set"

	Bundle *account.AuthBundle
}

// IsAllocated reports whether the tenancy triple is populated.
func (r *Record) IsAllocated() bool {
	return r.ClientAddr != "" && r.ClientUser != "" && !r.AllocatedAt.IsZero()
}

// normaliseTenancy clears the tenancy triple if it is only partially
// populated, per the record's invariant.
func (r *Record) normaliseTenancy() {
	full := r.ClientAddr != "" && r.ClientUser != "" && !r.AllocatedAt.IsZero()
	empty := r.ClientAddr == "" && r.ClientUser == "" && r.AllocatedAt.IsZero()
	if !full && !empty {
		r.ClientAddr = ""
		r.ClientUser = ""
		r.AllocatedAt = time.Time{}
	}
}

// setTenancy sets the tenancy triple, used for both the Free->Allocated
// transition and the Allocated->Allocated self-edge (administrative
// reassignment); both overwrite the triple identically.
func (r *Record) setTenancy(addr, user string, now time.Time) error {
	if !validate.IPv4(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidTenancy, addr)
	}
	r.ClientAddr = addr
	r.ClientUser = user
	r.AllocatedAt = now
	return nil
}

// Allocate transitions Free -> Allocated, or re-stamps the tenancy if
// already Allocated (the self-edge used for administrative
// reassignment). Caller is responsible for confirming user refers to an
// existing local account before calling this (see allocpool.Engine,
// which injects that check).
func (r *Record) Allocate(addr, user string, now time.Time) error {
	return r.setTenancy(addr, user, now)
}

// Release transitions Allocated -> Free. Idempotent: calling it on an
// already-Free record is a no-op, and is_allocated() is false
// immediately after regardless of prior state. The bundle is retained.
func (r *Record) Release() {
	r.ClientAddr = ""
	r.ClientUser = ""
	r.AllocatedAt = time.Time{}
}

// TenancyExpired reports whether the record is Allocated and its
// tenancy age exceeds limit.
func (r *Record) TenancyExpired(limit time.Duration, now time.Time) bool {
	if !r.IsAllocated() {
		return false
	}
	return now.Sub(r.AllocatedAt) > limit
}

// Clone returns a deep copy sharing no substructure with the receiver,
// so a view operation can never hand back a record the caller could
// mutate without the engine's lock.
func (r *Record) Clone() *Record {
	cp := &Record{
		ClientAddr:  r.ClientAddr,
		ClientUser:  r.ClientUser,
		AllocatedAt: r.AllocatedAt,
	}
	if r.Bundle != nil {
		cp.Bundle = r.Bundle.Clone()
	}
	return cp
}
