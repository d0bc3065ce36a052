package allocpool

import (
	"context"
	"time"

	"github.com/crutech/nydus/internal/token"
)

// MaintenanceHooks bundles the per-stage renewal callbacks and session
// liveness data a maintenance pass needs. Defined here rather than in
// authpipeline to avoid an import cycle: allocpool is storage-only and
// knows nothing about HTTPS or MSAL, it just calls back into whatever
// the server runtime wires up.
type MaintenanceHooks struct {
	Period            time.Duration
	RenewalK          int
	AllocationTimeout time.Duration
	LiveSessions      map[string]bool

	RenewIdp           func(ctx context.Context, username string) (token.AccessToken, error)
	RenewPlatform      func(ctx context.Context, idp token.AccessToken) (token.AccessToken, error)
	RenewPlatformAuthz func(ctx context.Context, platform token.AccessToken) (token.AccessToken, error)
	RenewGame          func(ctx context.Context, authz token.AccessToken) (token.AccessToken, error)

	// OnRenewResult, if set, is called once per renewal attempt with
	// the stage name ("idp", "platform", "platform_authz", "game") and
	// whether it succeeded, for metrics.
	OnRenewResult func(stage string, ok bool)
}

// RunMaintenance performs the full three-step maintenance pass
// (spec.md §4.7) under a single acquisition of the engine lock:
//  1. for every record and every near-expiry token field, attempt
//     incremental renewal via the matching hook; a failure is swallowed
//     and the token is left for the next pass.
//  2. release every record whose tenancy age exceeds AllocationTimeout.
//  3. release every allocated record with no matching entry in
//     LiveSessions.
//
// Returns the total number of records released across steps 2 and 3.
func (e *Engine) RunMaintenance(ctx context.Context, h MaintenanceHooks) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	for _, r := range e.recs {
		if r.Bundle == nil {
			continue
		}
		e.renewStageLocked(ctx, r, h, now)
	}

	released := 0
	for _, r := range e.recs {
		if r.TenancyExpired(h.AllocationTimeout, now) {
			r.Release()
			released++
		}
	}

	for _, r := range e.recs {
		if !r.IsAllocated() {
			continue
		}
		key := r.ClientUser + "@" + r.ClientAddr
		if !h.LiveSessions[key] {
			r.Release()
			released++
		}
	}

	if err := e.saveLocked(); err != nil {
		return 0, err
	}
	return released, nil
}

func (e *Engine) renewStageLocked(ctx context.Context, r *Record, h MaintenanceHooks, now time.Time) {
	b := r.Bundle

	report := func(stage string, ok bool) {
		if h.OnRenewResult != nil {
			h.OnRenewResult(stage, ok)
		}
	}

	if h.RenewIdp != nil && b.TIdp.NeedsRenewal(now, h.Period, h.RenewalK) {
		if nt, err := h.RenewIdp(ctx, b.UpstreamUsername); err == nil {
			b.ReplaceIdpToken(nt)
			report("idp", true)
		} else {
			report("idp", false)
		}
	}

	if h.RenewPlatform != nil && b.TPlatform.NeedsRenewal(now, h.Period, h.RenewalK) {
		if nt, err := h.RenewPlatform(ctx, b.TIdp); err == nil {
			b.ReplacePlatformToken(nt)
			report("platform", true)
		} else {
			report("platform", false)
		}
	}

	if h.RenewPlatformAuthz != nil && b.TPlatformAuthz.NeedsRenewal(now, h.Period, h.RenewalK) {
		if nt, err := h.RenewPlatformAuthz(ctx, b.TPlatform); err == nil {
			b.ReplacePlatformAuthzToken(nt)
			report("platform_authz", true)
		} else {
			report("platform_authz", false)
		}
	}

	if h.RenewGame != nil && b.TGame.NeedsRenewal(now, h.Period, h.RenewalK) {
		if nt, err := h.RenewGame(ctx, b.TPlatformAuthz); err == nil {
			b.ReplaceGameToken(nt)
			report("game", true)
		} else {
			report("game", false)
		}
	}
}
