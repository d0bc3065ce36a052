package allocpool

import "github.com/crutech/nydus/internal/account"

// RefreshBundlesByUsername replaces, for every record whose current
// bundle's UpstreamUsername matches a key in bundles, that record's
// bundle with the fresh one — the record's tenancy fields
// (ClientAddr/ClientUser/AllocatedAt) are left untouched. Used at
// startup to fold a new auth_all's results into an existing pool file
// without disturbing current tenancy, per spec.md §4.7. A nil entry
// (a username auth_all failed for) is skipped, leaving that record's
// bundle as-is. Saves once under a single lock acquisition.
func (e *Engine) RefreshBundlesByUsername(bundles map[string]*account.AuthBundle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.recs {
		if r.Bundle == nil {
			continue
		}
		fresh, ok := bundles[r.Bundle.UpstreamUsername]
		if !ok || fresh == nil {
			continue
		}
		r.Bundle = fresh
	}

	return e.saveLocked()
}
