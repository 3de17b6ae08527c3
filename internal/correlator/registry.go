// Package correlator detects shared-resource and timing-pattern risk
// across accounts.
//
// Accounts share proxies and device fingerprints; when too many accounts
// sit behind one resource, or one account's cadence turns mechanical, the
// correlator's checks fail and feed high sub-scores into the risk profile.
package correlator

import "sync"

// ResourceKind identifies a class of shared resource.
type ResourceKind string

const (
	ResourceProxy       ResourceKind = "proxy"
	ResourceFingerprint ResourceKind = "fingerprint"
)

// Registry maps each shared resource to the set of accounts using it.
// It is passed into the Correlator explicitly; there is no package-level
// singleton. Mutations happen only on account creation, retirement, or
// resource reassignment; everything else just reads.
type Registry struct {
	mu         sync.RWMutex
	byResource map[ResourceKind]map[string]map[string]struct{}
	byAccount  map[string]map[ResourceKind]string
}

// NewRegistry creates an empty resource registry.
func NewRegistry() *Registry {
	return &Registry{
		byResource: map[ResourceKind]map[string]map[string]struct{}{
			ResourceProxy:       {},
			ResourceFingerprint: {},
		},
		byAccount: make(map[string]map[ResourceKind]string),
	}
}

// Bind associates an account with its proxy and fingerprint handles.
// Empty handles are skipped.
func (r *Registry) Bind(accountID, proxyID, fingerprintID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindLocked(accountID, ResourceProxy, proxyID)
	r.bindLocked(accountID, ResourceFingerprint, fingerprintID)
}

// Unbind removes all of an account's resource associations (retirement).
func (r *Registry) Unbind(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, resID := range r.byAccount[accountID] {
		if accounts, ok := r.byResource[kind][resID]; ok {
			delete(accounts, accountID)
			if len(accounts) == 0 {
				delete(r.byResource[kind], resID)
			}
		}
	}
	delete(r.byAccount, accountID)
}

// Reassign swaps one of an account's resources for a new handle.
func (r *Registry) Reassign(accountID string, kind ResourceKind, newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byAccount[accountID][kind]; ok {
		if accounts, ok := r.byResource[kind][old]; ok {
			delete(accounts, accountID)
			if len(accounts) == 0 {
				delete(r.byResource[kind], old)
			}
		}
		delete(r.byAccount[accountID], kind)
	}
	r.bindLocked(accountID, kind, newID)
}

// SharingCount returns how many accounts currently use the resource an
// account holds for the given kind, including the account itself.
// Returns 0 if the account holds no resource of that kind.
func (r *Registry) SharingCount(accountID string, kind ResourceKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resID, ok := r.byAccount[accountID][kind]
	if !ok {
		return 0
	}
	return len(r.byResource[kind][resID])
}

// ResourceOf returns the handle an account holds for the given kind.
func (r *Registry) ResourceOf(accountID string, kind ResourceKind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resID, ok := r.byAccount[accountID][kind]
	return resID, ok
}

func (r *Registry) bindLocked(accountID string, kind ResourceKind, resID string) {
	if resID == "" {
		return
	}
	if r.byAccount[accountID] == nil {
		r.byAccount[accountID] = make(map[ResourceKind]string)
	}
	r.byAccount[accountID][kind] = resID
	if r.byResource[kind][resID] == nil {
		r.byResource[kind][resID] = make(map[string]struct{})
	}
	r.byResource[kind][resID][accountID] = struct{}{}
}
