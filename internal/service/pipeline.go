package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
	apperrors "deaddrop/internal/errors"
	"deaddrop/internal/metrics"
	"deaddrop/internal/models"
	"deaddrop/internal/privacy"
	"deaddrop/internal/vault"
	"deaddrop/pkg/envelope"
	"deaddrop/pkg/relayclient"
)

// DeliveryPipeline is the client's send and receive path. Outbound messages
// try the direct session first and fall back to the relay mailbox; inbound
// units from either path are decrypted, deduplicated by message id and
// surfaced on the Messages channel. Pending and seen state is persisted to
// the vault so neither retries nor dedup reset on restart.
type DeliveryPipeline struct {
	myID   string
	peerID string
	key    envelope.Key

	conn      *ConnectionManager
	relay     relayclient.Client
	vault     *vault.Vault
	assembler *envelope.Assembler
	logger    *logrus.Logger

	mu        sync.Mutex
	pending   []*models.Message
	seen      map[string]struct{}
	seenOrder []string
	// inflight holds ids handed to the consumer but not yet recorded as
	// seen, so a concurrent arrival of the same id on the other path still
	// deduplicates.
	inflight map[string]struct{}

	messages  chan *models.Message
	onControl func(command string)
}

func NewDeliveryPipeline(myID, peerID string, key envelope.Key, conn *ConnectionManager, relay relayclient.Client, v *vault.Vault, logger *logrus.Logger) (*DeliveryPipeline, error) {
	p := &DeliveryPipeline{
		myID:      myID,
		peerID:    peerID,
		key:       key,
		conn:      conn,
		relay:     relay,
		vault:     v,
		assembler: envelope.NewAssembler(key, 0),
		logger:    logger,
		seen:      make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
		messages:  make(chan *models.Message, 64),
	}

	if err := p.restore(); err != nil {
		return nil, err
	}

	conn.SetFrameHandler(p.handleFrame)
	conn.OnVerified(func() {
		go p.FlushPending(context.Background())
	})

	return p, nil
}

// Messages returns the stream of decrypted, deduplicated inbound messages.
func (p *DeliveryPipeline) Messages() <-chan *models.Message {
	return p.messages
}

// OnControl registers the handler for out-of-band control commands such as
// a remote wipe. The vault is already nuked before the handler runs.
func (p *DeliveryPipeline) OnControl(fn func(command string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onControl = fn
}

// Send accepts a new outbound message. The message id and timestamp are
// assigned here, exactly once; every retry reuses them so the receiving
// side and the relay both treat retries as no-ops. Failure to deliver is
// not an error to the caller: the message stays pending and is flushed
// when a path recovers.
func (p *DeliveryPipeline) Send(ctx context.Context, body string, kind models.MessageKind) (*models.Message, error) {
	if body == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "message body cannot be empty")
	}
	if kind == "" {
		kind = models.MessageKindText
	}

	msg := &models.Message{
		ID:          uuid.New().String(),
		SenderID:    p.myID,
		RecipientID: p.peerID,
		Kind:        kind,
		Body:        body,
		CreatedAt:   time.Now().UnixMilli(),
		Status:      models.DeliveryStatusPending,
	}

	p.mu.Lock()
	p.pending = append(p.pending, msg)
	err := p.persistPendingLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.IncrementCounter("pipeline_messages_submitted_total", map[string]string{"kind": string(kind)}, "Messages submitted for delivery")

	if err := p.deliver(ctx, msg); err != nil {
		p.logger.WithError(err).WithField("message_id", privacy.MaskMessageID(msg.ID)).
			Debug("Delivery deferred, message stays pending")
	}
	return msg, nil
}

// FlushPending retries every pending message in order. Called when the
// direct session verifies and by the poller after the relay recovers.
func (p *DeliveryPipeline) FlushPending(ctx context.Context) {
	p.mu.Lock()
	batch := make([]*models.Message, len(p.pending))
	copy(batch, p.pending)
	p.mu.Unlock()

	for _, msg := range batch {
		if err := p.deliver(ctx, msg); err != nil {
			// Order matters on the direct path, stop at the first failure.
			p.logger.WithError(err).Debug("Pending flush stopped")
			return
		}
	}
}

// PendingCount returns how many messages await delivery.
func (p *DeliveryPipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// HandleRelayEntry ingests one mailbox entry fetched by the poller. An
// undecryptable payload is dropped, not an error: the entry must still be
// acked or it would poison the mailbox forever.
func (p *DeliveryPipeline) HandleRelayEntry(entry *models.QueueEntry) {
	p.ingestCiphertext(entry.Payload, "relay")
}

// deliver pushes one message over the best available path and, on success,
// advances its status and drops it from the pending buffer.
func (p *DeliveryPipeline) deliver(ctx context.Context, msg *models.Message) error {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode message")
	}

	if p.conn.Phase() == PhaseVerified {
		err := p.sendDirect(ctx, string(plaintext))
		if err == nil {
			metrics.IncrementCounter("pipeline_sent_direct_total", nil, "Messages delivered over the direct session")
			// A successful write means a path accepted the message, nothing
			// more. Delivered is the receiver's claim, not the sender's.
			p.settle(msg, models.DeliveryStatusSent)
			return nil
		}
		p.logger.WithError(err).Debug("Direct send failed, falling back to relay")
	}

	payload, err := envelope.Encrypt(string(plaintext), p.key)
	if err != nil {
		return err
	}
	// Only the id, the timestamp and the ciphertext go to the relay. The
	// message itself never leaves this process in the clear.
	if err := p.relay.Enqueue(ctx, p.peerID, msg.ID, msg.CreatedAt, payload); err != nil {
		metrics.IncrementCounter("pipeline_send_failures_total", nil, "Delivery attempts that failed on both paths")
		return err
	}

	metrics.IncrementCounter("pipeline_sent_relay_total", nil, "Messages handed to the relay mailbox")
	p.settle(msg, models.DeliveryStatusSent)
	return nil
}

func (p *DeliveryPipeline) sendDirect(ctx context.Context, plaintext string) error {
	if !envelope.NeedsChunking(plaintext) {
		payload, err := envelope.Encrypt(plaintext, p.key)
		if err != nil {
			return err
		}
		return p.conn.SendFrame(ctx, &models.Frame{Type: models.FrameEnvelope, Payload: payload})
	}

	chunks, err := envelope.Split(plaintext, p.key)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		frame := &models.Frame{
			Type:       models.FrameChunk,
			TransferID: c.TransferID,
			Index:      c.Index,
			Total:      c.Total,
			Payload:    c.Ciphertext,
		}
		if c.Index == 0 {
			frame.Type = models.FrameChunkStart
		}
		if err := p.conn.SendFrame(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// settle records a successful delivery: monotonic status advance, removal
// from the pending buffer, durable pending state.
func (p *DeliveryPipeline) settle(msg *models.Message, status models.DeliveryStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.Status.CanTransitionTo(status) {
		msg.Status = status
	}
	for i, pending := range p.pending {
		if pending.ID == msg.ID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	if err := p.persistPendingLocked(); err != nil {
		p.logger.WithError(err).Warn("Failed to persist pending buffer")
	}
}

// handleFrame consumes non-liveness frames from the direct session.
func (p *DeliveryPipeline) handleFrame(frame *models.Frame) {
	switch frame.Type {
	case models.FrameEnvelope:
		p.ingestCiphertext(frame.Payload, "direct")

	case models.FrameChunkStart, models.FrameChunk:
		payload, done, err := p.assembler.Add(envelope.Chunk{
			TransferID: frame.TransferID,
			Index:      frame.Index,
			Total:      frame.Total,
			Ciphertext: frame.Payload,
		})
		if err != nil {
			metrics.IncrementCounter("pipeline_chunk_failures_total", nil, "Chunked transfers aborted during reassembly")
			p.logger.WithError(err).Debug("Dropping chunked transfer")
			return
		}
		if done {
			p.ingestPlaintext(payload, "direct")
		}

	case models.FrameControl:
		p.handleControl(frame.Command)

	default:
		p.logger.WithField("type", string(frame.Type)).Debug("Ignoring unknown frame type")
	}
}

func (p *DeliveryPipeline) handleControl(command string) {
	p.logger.WithField("command", command).Warn("Control command received")

	if command == models.ControlNuke {
		if err := p.vault.Nuke(); err != nil {
			p.logger.WithError(err).Error("Remote wipe failed")
		}
		p.mu.Lock()
		p.pending = nil
		p.seen = make(map[string]struct{})
		p.seenOrder = nil
		p.mu.Unlock()
	}

	p.mu.Lock()
	handler := p.onControl
	p.mu.Unlock()
	if handler != nil {
		handler(command)
	}
}

// ingestCiphertext decrypts one unit and hands it on. Undecryptable units
// are counted and dropped without surfacing anything to the user.
func (p *DeliveryPipeline) ingestCiphertext(ciphertext, source string) {
	plaintext, err := envelope.Decrypt(ciphertext, p.key)
	if err != nil {
		if errors.Is(err, envelope.ErrDecryptFailed) {
			metrics.IncrementCounter("pipeline_decrypt_failures_total", map[string]string{"source": source}, "Inbound units dropped as undecryptable")
			p.logger.WithField("source", source).Warn("Dropping undecryptable unit")
			return
		}
		p.logger.WithError(err).WithField("source", source).Error("Decrypt error")
		return
	}
	p.ingestPlaintext(plaintext, source)
}

func (p *DeliveryPipeline) ingestPlaintext(plaintext, source string) {
	var msg models.Message
	if err := json.Unmarshal([]byte(plaintext), &msg); err != nil {
		p.logger.WithError(err).WithField("source", source).Warn("Dropping malformed message")
		return
	}
	if msg.ID == "" {
		p.logger.WithField("source", source).Warn("Dropping message without id")
		return
	}

	p.mu.Lock()
	_, dup := p.seen[msg.ID]
	if !dup {
		_, dup = p.inflight[msg.ID]
	}
	if dup {
		p.mu.Unlock()
		metrics.IncrementCounter("pipeline_duplicates_total", map[string]string{"source": source}, "Inbound units discarded as duplicates")
		return
	}
	p.inflight[msg.ID] = struct{}{}
	p.mu.Unlock()

	// Hand the message to the consumer before recording it as seen. The
	// send blocks when the consumer lags, which stalls the ingesting path
	// instead of losing the message: an id marked seen before delivery
	// would turn every redelivery into a discarded duplicate.
	msg.Status = models.DeliveryStatusDelivered
	p.messages <- &msg

	p.mu.Lock()
	delete(p.inflight, msg.ID)
	p.markSeenLocked(msg.ID)
	if err := p.persistSeenLocked(); err != nil {
		p.logger.WithError(err).Warn("Failed to persist seen ids")
	}
	p.mu.Unlock()

	metrics.IncrementCounter("pipeline_received_total", map[string]string{"source": source}, "Messages delivered to the host application")
	p.logger.WithFields(logrus.Fields{
		"message_id": privacy.MaskMessageID(msg.ID),
		"source":     source,
	}).Debug("Message delivered")
}

// markSeenLocked records an id in the dedup set, evicting the oldest
// entries once the cache cap is hit.
func (p *DeliveryPipeline) markSeenLocked(id string) {
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	for len(p.seenOrder) > constants.SeenIDCacheSize {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
}

func (p *DeliveryPipeline) persistPendingLocked() error {
	return p.vault.Save(vault.KeyPendingBuffer, p.pending)
}

func (p *DeliveryPipeline) persistSeenLocked() error {
	return p.vault.Save(vault.KeySeenIDs, p.seenOrder)
}

// restore reloads pending and seen state from the vault. A corrupt blob is
// logged and discarded rather than blocking startup.
func (p *DeliveryPipeline) restore() error {
	// State saved for a different peer must not be replayed to this one. A
	// changed peer also changes the vault key, so the old blobs surface as
	// load errors and are discarded below; this check catches the explicit
	// record too.
	var lastPeer string
	if found, err := p.vault.Load(vault.KeyLastPeer, &lastPeer); err == nil && found && lastPeer != p.peerID {
		p.logger.WithField("peer", privacy.MaskIdentity(p.peerID)).Warn("Peer changed, discarding saved state")
		_ = p.vault.Delete(vault.KeyPendingBuffer)
		_ = p.vault.Delete(vault.KeySeenIDs)
	}
	if err := p.vault.Save(vault.KeyLastPeer, p.peerID); err != nil {
		return err
	}

	var pending []*models.Message
	if found, err := p.vault.Load(vault.KeyPendingBuffer, &pending); err != nil {
		p.logger.WithError(err).Warn("Discarding unreadable pending buffer")
	} else if found {
		p.pending = pending
	}

	var seenOrder []string
	if found, err := p.vault.Load(vault.KeySeenIDs, &seenOrder); err != nil {
		p.logger.WithError(err).Warn("Discarding unreadable seen id set")
	} else if found {
		for _, id := range seenOrder {
			p.markSeenLocked(id)
		}
	}

	return nil
}
