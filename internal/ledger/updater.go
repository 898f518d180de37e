// Package ledger settles fills into account state with a bounded retry
// budget. A fill that cannot be persisted after the retries are exhausted is
// parked as a dead letter for the reconciliation loop instead of being lost.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"broker-core/internal/account"
	"broker-core/internal/errs"
	"broker-core/internal/events"
	"broker-core/pkg/db"
)

// Updater applies fills through account managers.
type Updater struct {
	store       *db.Database
	bus         *events.Bus
	nodeID      string
	retries     int
	backoffBase time.Duration
}

// NewUpdater builds an updater. retries is the number of attempts after the
// first failure; backoffBase doubles per attempt.
func NewUpdater(store *db.Database, bus *events.Bus, nodeID string, retries int, backoffBase time.Duration) *Updater {
	if retries < 0 {
		retries = 0
	}
	if backoffBase <= 0 {
		backoffBase = 50 * time.Millisecond
	}
	return &Updater{
		store:       store,
		bus:         bus,
		nodeID:      nodeID,
		retries:     retries,
		backoffBase: backoffBase,
	}
}

// Apply settles one fill on the account manager, retrying transient storage
// failures with exponential backoff. On exhaustion the fill is dead-lettered
// and the error returned so the caller knows settlement is deferred.
func (u *Updater) Apply(ctx context.Context, mgr *account.Manager, o db.Order, f db.Fill) (db.Position, error) {
	var lastErr error
	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			backoff := u.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				return db.Position{}, u.deadLetter(ctx, o, f, attempt, lastErr)
			case <-time.After(backoff):
			}
		}

		pos, err := mgr.ApplyFill(ctx, o, f)
		if err == nil {
			return pos, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			break
		}
		log.WithError(err).WithFields(log.Fields{
			"order": f.OrderID, "fill": f.ID, "attempt": attempt + 1,
		}).Warn("fill settlement retry")
	}

	return db.Position{}, u.deadLetter(ctx, o, f, u.retries+1, lastErr)
}

// deadLetter parks the failed settlement and announces it on the bus.
func (u *Updater) deadLetter(ctx context.Context, o db.Order, f db.Fill, attempts int, cause error) error {
	payload, _ := json.Marshal(struct {
		Order db.Order `json:"order"`
		Fill  db.Fill  `json:"fill"`
	}{o, f})

	dl := db.DeadLetter{
		ID:        uuid.NewString(),
		OrderID:   f.OrderID,
		FillID:    f.ID,
		Payload:   string(payload),
		Attempts:  attempts,
		LastError: cause.Error(),
		Status:    db.DeadLetterPending,
		NodeID:    u.nodeID,
	}
	if u.store != nil {
		if err := u.store.CreateDeadLetter(ctx, dl); err != nil {
			// Both the settlement and the dead letter failed; the WAL replay
			// on restart is the remaining safety net.
			log.WithError(err).WithField("fill", f.ID).Error("dead letter write failed")
		}
	}
	if u.bus != nil {
		u.bus.Publish(events.EventDeadLetter, dl)
	}

	log.WithFields(log.Fields{
		"order": f.OrderID, "fill": f.ID, "attempts": attempts,
	}).WithError(cause).Error("fill settlement dead-lettered")

	return errs.Wrap(errs.KindTransientStorage, "fill settlement deferred to dead letter", cause)
}
