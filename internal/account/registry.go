package account

import (
	"context"
	"sync"
	"time"

	"broker-core/internal/errs"
	"broker-core/pkg/db"
)

// Registry hands out one Manager per account, loading state lazily from the
// store on first use.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	lastSeen map[string]time.Time
	store    *db.Database
	leverage float64
}

// NewRegistry creates a registry backed by the store.
func NewRegistry(store *db.Database, leverage float64) *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		lastSeen: make(map[string]time.Time),
		store:    store,
		leverage: leverage,
	}
}

// GetOrCreate returns the manager for an account, loading it if needed.
func (r *Registry) GetOrCreate(ctx context.Context, accountID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mgr, ok := r.managers[accountID]; ok {
		r.lastSeen[accountID] = time.Now()
		return mgr, nil
	}

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, errs.Newf(errs.KindNotFound, "", "account %s not found", accountID)
		}
		return nil, errs.Wrap(errs.KindTransientStorage, "load account", err)
	}

	mgr := NewManager(r.store, *acct, r.leverage)
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}

	r.managers[accountID] = mgr
	r.lastSeen[accountID] = time.Now()
	return mgr, nil
}

// Get returns the manager for an account, or nil if not loaded.
func (r *Registry) Get(accountID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers[accountID]
}

// Count returns the number of loaded account managers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// CleanupIdle evicts managers idle longer than ttl. Managers holding
// buying-power reservations for resting orders are kept; everything else is
// re-loaded from the store on next access.
func (r *Registry) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.lastSeen {
		if !t.Before(cutoff) {
			continue
		}
		if mgr := r.managers[id]; mgr != nil && mgr.OpenReservations() > 0 {
			continue
		}
		delete(r.managers, id)
		delete(r.lastSeen, id)
	}
}
