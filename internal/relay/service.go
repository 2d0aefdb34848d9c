// Package relay implements the server side of the store-and-forward
// mailbox: idempotent enqueue, non-destructive sync with a long-poll
// variant, idempotent ack and a TTL sweep.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
	"deaddrop/internal/metrics"
	"deaddrop/internal/models"
	"deaddrop/internal/privacy"
)

// Store is the durable mailbox the service runs on.
type Store interface {
	EnqueueEntry(ctx context.Context, entry *models.QueueEntry) error
	ListEntriesSince(ctx context.Context, userID string, since int64, limit int) ([]models.QueueEntry, error)
	AckEntries(ctx context.Context, userID string, messageIDs []string) error
	CleanupExpiredEntries(ctx context.Context, cutoff time.Time) (int64, error)
	QueueDepth(ctx context.Context, userID string) (int, error)
	SavePresence(ctx context.Context, p *models.Presence) error
}

// Service wires the store to a per-user waiter list so an idle sync call
// can park until the next enqueue for that user instead of polling.
type Service struct {
	store           Store
	logger          *logrus.Logger
	longPollTimeout time.Duration

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewService(store Store, longPollTimeout time.Duration, logger *logrus.Logger) *Service {
	if longPollTimeout <= 0 {
		longPollTimeout = constants.DefaultLongPollTimeoutSec * time.Second
	}
	return &Service{
		store:           store,
		logger:          logger,
		longPollTimeout: longPollTimeout,
		waiters:         make(map[string][]chan struct{}),
	}
}

// Enqueue stores one entry and wakes every sync call parked on the
// recipient. Re-enqueueing an id is an upsert, so a client retrying a send
// request cannot create duplicates.
func (s *Service) Enqueue(ctx context.Context, toUser, messageID string, createdAt int64, payload string) error {
	entry := &models.QueueEntry{
		ID:         messageID,
		ToUser:     toUser,
		Payload:    payload,
		EnqueuedAt: time.UnixMilli(createdAt),
	}
	if createdAt == 0 {
		entry.EnqueuedAt = time.Now()
	}

	if err := s.store.EnqueueEntry(ctx, entry); err != nil {
		return err
	}

	metrics.IncrementCounter("relay_enqueued_total", nil, "Entries accepted into the mailbox")
	s.logger.WithFields(logrus.Fields{
		"to":         privacy.MaskIdentity(toUser),
		"message_id": privacy.MaskMessageID(messageID),
	}).Debug("Entry enqueued")

	s.notify(toUser)
	return nil
}

// Sync returns the mailbox contents for userID newer than since, ascending
// by timestamp. Reads do not consume entries.
func (s *Service) Sync(ctx context.Context, userID string, since int64) ([]models.QueueEntry, error) {
	return s.store.ListEntriesSince(ctx, userID, since, constants.DefaultSyncBatchLimit)
}

// SyncWait is the long-poll variant: when the mailbox is empty the call
// parks until a new entry arrives for userID, the poll window lapses, or
// ctx is cancelled. The window stays under typical 30s client and proxy
// timeouts, and a lapse returns an empty slice, not an error.
func (s *Service) SyncWait(ctx context.Context, userID string, since int64) ([]models.QueueEntry, error) {
	entries, err := s.store.ListEntriesSince(ctx, userID, since, constants.DefaultSyncBatchLimit)
	if err != nil || len(entries) > 0 {
		return entries, err
	}

	wake := s.addWaiter(userID)
	defer s.removeWaiter(userID, wake)

	timer := time.NewTimer(s.longPollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case <-wake:
		return s.store.ListEntriesSince(ctx, userID, since, constants.DefaultSyncBatchLimit)
	}
}

// Ack deletes the named entries for userID. Already-deleted ids are a
// no-op; ack and the TTL sweep race safely because delete is idempotent.
func (s *Service) Ack(ctx context.Context, userID string, messageIDs []string) error {
	if err := s.store.AckEntries(ctx, userID, messageIDs); err != nil {
		return err
	}

	metrics.AddToCounter("relay_acked_total", float64(len(messageIDs)), nil, "Entries acknowledged by recipients")
	return nil
}

// Register upserts the optional presence record. It carries no credentials.
func (s *Service) Register(ctx context.Context, p *models.Presence) error {
	return s.store.SavePresence(ctx, p)
}

// CleanupExpired removes entries older than the retention window.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := s.store.CleanupExpiredEntries(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}

	if depth, derr := s.store.QueueDepth(ctx, ""); derr == nil {
		metrics.SetGauge("relay_queue_depth", float64(depth), nil, "Entries currently held in the mailbox")
	}

	return removed, nil
}

func (s *Service) addWaiter(userID string) chan struct{} {
	wake := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters[userID] = append(s.waiters[userID], wake)
	s.mu.Unlock()
	return wake
}

func (s *Service) removeWaiter(userID string, wake chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.waiters[userID]
	for i, w := range list {
		if w == wake {
			s.waiters[userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiters[userID]) == 0 {
		delete(s.waiters, userID)
	}
}

func (s *Service) notify(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wake := range s.waiters[userID] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
