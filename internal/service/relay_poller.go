package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
	"deaddrop/internal/metrics"
	"deaddrop/pkg/relayclient"
)

// RelayPoller drains the relay mailbox in a loop. With long polling the
// sync call itself blocks server-side until something arrives; without it
// the poller sleeps a fixed interval between rounds. Sync errors back off
// exponentially and never stop the loop.
type RelayPoller struct {
	userID   string
	relay    relayclient.Client
	pipeline *DeliveryPipeline
	logger   *logrus.Logger

	longPoll     bool
	pollInterval time.Duration

	// lastTimestamp is the newest enqueued_at observed, in Unix
	// milliseconds. The next sync asks from slightly before it so entries
	// that landed in the same millisecond are never skipped; the dedup set
	// absorbs the overlap.
	lastTimestamp int64
}

func NewRelayPoller(userID string, relay relayclient.Client, pipeline *DeliveryPipeline, longPoll bool, pollInterval time.Duration, logger *logrus.Logger) *RelayPoller {
	if pollInterval <= 0 {
		pollInterval = constants.DefaultPollIntervalSec * time.Second
	}
	return &RelayPoller{
		userID:       userID,
		relay:        relay,
		pipeline:     pipeline,
		logger:       logger,
		longPoll:     longPoll,
		pollInterval: pollInterval,
	}
}

// Run polls until the context ends. The first round replays the whole
// mailbox (since zero); receive dedup makes the replay harmless.
func (rp *RelayPoller) Run(ctx context.Context) {
	backoff := constants.DefaultRetryBackoffMs * time.Millisecond
	maxBackoff := constants.DefaultMaxBackoffMs * time.Millisecond

	for {
		if ctx.Err() != nil {
			return
		}

		_, err := rp.pollOnce(ctx)
		if err != nil {
			rp.logger.WithError(err).Warn("Relay sync failed")
			metrics.IncrementCounter("poller_sync_failures_total", nil, "Failed relay sync rounds")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		if backoff > constants.DefaultRetryBackoffMs*time.Millisecond {
			// The relay just came back; pending messages may be waiting.
			backoff = constants.DefaultRetryBackoffMs * time.Millisecond
			go rp.pipeline.FlushPending(ctx)
		}

		if rp.longPoll {
			// The server already held the request; loop right back.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(rp.pollInterval):
		}
	}
}

// pollOnce runs one sync round: fetch, ingest, ack. Every fetched entry is
// acked, including ones that failed to decrypt, because an entry that can
// never be consumed must not wedge the mailbox.
func (rp *RelayPoller) pollOnce(ctx context.Context) (int, error) {
	entries, err := rp.relay.Sync(ctx, rp.userID, rp.since(), rp.longPoll)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		rp.pipeline.HandleRelayEntry(entry)
		ids = append(ids, entry.ID)
		if ts := entry.EnqueuedAt.UnixMilli(); ts > rp.lastTimestamp {
			rp.lastTimestamp = ts
		}
	}

	if err := rp.relay.Ack(ctx, rp.userID, ids); err != nil {
		// The entries were already delivered locally; dedup covers the
		// refetch on the next round.
		rp.logger.WithError(err).Warn("Failed to ack consumed entries")
	}

	metrics.AddToCounter("poller_entries_fetched_total", float64(len(entries)), nil, "Mailbox entries fetched from the relay")
	return len(entries), nil
}

func (rp *RelayPoller) since() int64 {
	if rp.lastTimestamp == 0 {
		return 0
	}
	since := rp.lastTimestamp - constants.DefaultSinceSkewMs
	if since < 0 {
		return 0
	}
	return since
}
