// Package reconciliation retries dead-lettered fill settlements in the
// background until they land or are given up on.
package reconciliation

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/account"
	"broker-core/pkg/db"
)

const maxReplayAttempts = 10

// Service periodically drains pending dead letters.
type Service struct {
	store    *db.Database
	accounts *account.Registry
	interval time.Duration
}

// NewService builds the reconciliation loop.
func NewService(store *db.Database, accounts *account.Registry, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{store: store, accounts: accounts, interval: interval}
}

// Start runs the loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.RunOnce(ctx)
			}
		}
	}()
	log.WithField("interval", s.interval).Info("reconciliation service started")
}

// RunOnce replays one batch of pending dead letters. Exposed for tests and
// operator tooling.
func (s *Service) RunOnce(ctx context.Context) {
	letters, err := s.store.ListPendingDeadLetters(ctx, 100)
	if err != nil {
		log.WithError(err).Warn("dead letter listing failed")
		return
	}
	for _, dl := range letters {
		s.replay(ctx, dl)
	}
}

func (s *Service) replay(ctx context.Context, dl db.DeadLetter) {
	var payload struct {
		Order db.Order `json:"order"`
		Fill  db.Fill  `json:"fill"`
	}
	if err := json.Unmarshal([]byte(dl.Payload), &payload); err != nil {
		log.WithError(err).WithField("dead_letter", dl.ID).Error("dead letter payload corrupt")
		s.update(ctx, dl.ID, db.DeadLetterFailed, "payload corrupt: "+err.Error(), dl.Attempts)
		return
	}

	mgr, err := s.accounts.GetOrCreate(ctx, payload.Fill.AccountID)
	if err != nil {
		s.update(ctx, dl.ID, db.DeadLetterPending, err.Error(), dl.Attempts+1)
		return
	}

	if _, err := mgr.ApplyFill(ctx, payload.Order, payload.Fill); err != nil {
		attempts := dl.Attempts + 1
		status := db.DeadLetterPending
		if attempts >= maxReplayAttempts {
			status = db.DeadLetterFailed
			log.WithFields(log.Fields{
				"dead_letter": dl.ID, "order": dl.OrderID, "attempts": attempts,
			}).Error("dead letter abandoned after max attempts")
		}
		s.update(ctx, dl.ID, status, err.Error(), attempts)
		return
	}

	s.update(ctx, dl.ID, db.DeadLetterResolved, "", dl.Attempts+1)
	log.WithFields(log.Fields{
		"dead_letter": dl.ID, "order": dl.OrderID,
	}).Info("dead letter settled")
}

func (s *Service) update(ctx context.Context, id, status, lastError string, attempts int) {
	if err := s.store.UpdateDeadLetter(ctx, id, status, lastError, attempts); err != nil {
		log.WithError(err).WithField("dead_letter", id).Warn("dead letter update failed")
	}
}
