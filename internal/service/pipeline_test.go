package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "deaddrop/internal/errors"
	"deaddrop/internal/models"
	"deaddrop/internal/vault"
	"deaddrop/pkg/envelope"
)

type pipelineFixture struct {
	key      envelope.Key
	cm       *ConnectionManager
	dialer   *fakeDialer
	relay    *mockRelayClient
	vault    *vault.Vault
	pipeline *DeliveryPipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	key := envelope.DeriveKey("a-long-enough-shared-secret", "ABC123", "DEF456")
	logger := testLogger()

	v, err := vault.New(t.TempDir(), key, logger)
	require.NoError(t, err)

	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), logger)
	relay := &mockRelayClient{}

	p, err := NewDeliveryPipeline("ABC123", "DEF456", key, cm, relay, v, logger)
	require.NoError(t, err)

	return &pipelineFixture{key: key, cm: cm, dialer: dialer, relay: relay, vault: v, pipeline: p}
}

// verify brings the direct session up to the verified phase.
func (f *pipelineFixture) verify(t *testing.T, ctx context.Context) *fakeTransport {
	t.Helper()

	go f.cm.Run(ctx)
	waitForPhase(t, f.cm, PhaseOpen)
	conn := f.dialer.latest()
	conn.deliver(&models.Frame{Type: models.FrameLivenessPong})
	waitForPhase(t, f.cm, PhaseVerified)
	return conn
}

func encryptMessage(t *testing.T, key envelope.Key, msg *models.Message) string {
	t.Helper()

	plaintext, err := json.Marshal(msg)
	require.NoError(t, err)
	ciphertext, err := envelope.Encrypt(string(plaintext), key)
	require.NoError(t, err)
	return ciphertext
}

func receiveMessage(t *testing.T, p *DeliveryPipeline) *models.Message {
	t.Helper()

	select {
	case msg := <-p.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestSendFallsBackToRelay(t *testing.T) {
	f := newPipelineFixture(t)

	f.relay.On("Enqueue", mock.Anything, "DEF456", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	msg, err := f.pipeline.Send(context.Background(), "hello", models.MessageKindText)
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, models.DeliveryStatusSent, msg.Status)
	assert.Zero(t, f.pipeline.PendingCount())

	// The relay gets the id, the timestamp and ciphertext, nothing else.
	call := f.relay.Calls[0]
	assert.Equal(t, msg.ID, call.Arguments.String(2))
	assert.Equal(t, msg.CreatedAt, call.Arguments.Get(3).(int64))

	payload := call.Arguments.String(4)
	assert.NotContains(t, payload, "hello")
	plaintext, err := envelope.Decrypt(payload, f.key)
	require.NoError(t, err)

	var sent models.Message
	require.NoError(t, json.Unmarshal([]byte(plaintext), &sent))
	assert.Equal(t, msg.ID, sent.ID)
	assert.Equal(t, "hello", sent.Body)
	assert.Equal(t, "ABC123", sent.SenderID)
	assert.Equal(t, "DEF456", sent.RecipientID)
	assert.NotZero(t, sent.CreatedAt)
}

func TestSendStaysPendingWhenRelayDown(t *testing.T) {
	f := newPipelineFixture(t)

	f.relay.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(apperrors.NewRelayError("/queue/send", 503, nil))

	msg, err := f.pipeline.Send(context.Background(), "hello", models.MessageKindText)
	require.NoError(t, err, "a failed delivery attempt is not a send error")
	assert.Equal(t, models.DeliveryStatusPending, msg.Status)
	assert.Equal(t, 1, f.pipeline.PendingCount())
}

func TestSendRejectsEmptyBody(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.pipeline.Send(context.Background(), "", models.MessageKindText)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
}

func TestSendDirectWhenVerified(t *testing.T) {
	f := newPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.verify(t, ctx)

	msg, err := f.pipeline.Send(ctx, "direct hello", models.MessageKindText)
	require.NoError(t, err)
	// A write success means the path accepted the message; delivered would
	// claim a receipt nobody confirmed.
	assert.Equal(t, models.DeliveryStatusSent, msg.Status)
	assert.Zero(t, f.pipeline.PendingCount())

	envelopes := conn.sentOfType(models.FrameEnvelope)
	require.Len(t, envelopes, 1)

	plaintext, err := envelope.Decrypt(envelopes[0].Payload, f.key)
	require.NoError(t, err)
	var sent models.Message
	require.NoError(t, json.Unmarshal([]byte(plaintext), &sent))
	assert.Equal(t, "direct hello", sent.Body)

	f.relay.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendChunksLargePayloadDirect(t *testing.T) {
	f := newPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.verify(t, ctx)

	body := strings.Repeat("large payload ", 8192) // well past the chunk threshold
	_, err := f.pipeline.Send(ctx, body, models.MessageKindText)
	require.NoError(t, err)

	starts := conn.sentOfType(models.FrameChunkStart)
	chunks := conn.sentOfType(models.FrameChunk)
	require.Len(t, starts, 1)
	require.NotEmpty(t, chunks)
	assert.Equal(t, starts[0].Total, len(chunks)+1)
	assert.Empty(t, conn.sentOfType(models.FrameEnvelope))
}

func TestDirectFailureFallsBackToRelay(t *testing.T) {
	f := newPipelineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := f.verify(t, ctx)
	conn.setFailSend(true)

	f.relay.On("Enqueue", mock.Anything, "DEF456", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	msg, err := f.pipeline.Send(ctx, "hello", models.MessageKindText)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusSent, msg.Status)
	f.relay.AssertCalled(t, "Enqueue", mock.Anything, "DEF456", mock.Anything, mock.Anything, mock.Anything)
}

func TestPendingFlushedOnVerified(t *testing.T) {
	f := newPipelineFixture(t)

	f.relay.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(apperrors.NewRelayError("/queue/send", 503, nil))

	_, err := f.pipeline.Send(context.Background(), "queued while offline", models.MessageKindText)
	require.NoError(t, err)
	require.Equal(t, 1, f.pipeline.PendingCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := f.verify(t, ctx)

	require.Eventually(t, func() bool {
		return f.pipeline.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "verification must trigger a pending flush")
	assert.NotEmpty(t, conn.sentOfType(models.FrameEnvelope))
}

func TestRelayEntryDelivered(t *testing.T) {
	f := newPipelineFixture(t)

	inbound := &models.Message{ID: "m1", SenderID: "DEF456", Body: "from the mailbox", CreatedAt: 1234}
	f.pipeline.HandleRelayEntry(&models.QueueEntry{
		ID:      "m1",
		Payload: encryptMessage(t, f.key, inbound),
	})

	got := receiveMessage(t, f.pipeline)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "from the mailbox", got.Body)
	assert.Equal(t, models.DeliveryStatusDelivered, got.Status)
}

func TestBacklogBeyondChannelBufferNotLost(t *testing.T) {
	f := newPipelineFixture(t)

	// More entries than the messages channel buffers. Ingest must stall on
	// the consumer rather than drop, and a slow consumer must still see
	// every id exactly once.
	const total = 70
	entries := make([]*models.QueueEntry, total)
	for i := range entries {
		id := fmt.Sprintf("m%02d", i)
		inbound := &models.Message{ID: id, SenderID: "DEF456", Body: id}
		entries[i] = &models.QueueEntry{ID: id, Payload: encryptMessage(t, f.key, inbound)}
	}

	go func() {
		for _, entry := range entries {
			f.pipeline.HandleRelayEntry(entry)
		}
	}()

	got := make(map[string]int, total)
	for i := 0; i < total; i++ {
		got[receiveMessage(t, f.pipeline).ID]++
	}
	require.Len(t, got, total)
	for id, n := range got {
		assert.Equal(t, 1, n, "id %s delivered %d times", id, n)
	}
}

func TestDedupAcrossPaths(t *testing.T) {
	f := newPipelineFixture(t)

	inbound := &models.Message{ID: "m1", SenderID: "DEF456", Body: "once"}
	ciphertext := encryptMessage(t, f.key, inbound)

	// First via the relay, then the same message over the direct path.
	f.pipeline.HandleRelayEntry(&models.QueueEntry{ID: "m1", Payload: ciphertext})
	receiveMessage(t, f.pipeline)

	f.pipeline.handleFrame(&models.Frame{Type: models.FrameEnvelope, Payload: ciphertext})

	select {
	case msg := <-f.pipeline.Messages():
		t.Fatalf("duplicate %s must not be delivered twice", msg.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUndecryptableEntryDropped(t *testing.T) {
	f := newPipelineFixture(t)

	f.pipeline.HandleRelayEntry(&models.QueueEntry{ID: "m1", Payload: "garbage"})

	select {
	case <-f.pipeline.Messages():
		t.Fatal("undecryptable entry must be dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChunkedTransferDelivered(t *testing.T) {
	f := newPipelineFixture(t)

	inbound := &models.Message{ID: "big", SenderID: "DEF456", Body: strings.Repeat("x", 100_000)}
	plaintext, err := json.Marshal(inbound)
	require.NoError(t, err)

	chunks, err := envelope.Split(string(plaintext), f.key)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Deliver out of order; the assembler sorts it out.
	for i := len(chunks) - 1; i >= 0; i-- {
		c := chunks[i]
		frameType := models.FrameChunk
		if c.Index == 0 {
			frameType = models.FrameChunkStart
		}
		f.pipeline.handleFrame(&models.Frame{
			Type:       frameType,
			TransferID: c.TransferID,
			Index:      c.Index,
			Total:      c.Total,
			Payload:    c.Ciphertext,
		})
	}

	got := receiveMessage(t, f.pipeline)
	assert.Equal(t, "big", got.ID)
	assert.Len(t, got.Body, 100_000)
}

func TestNukeControlWipesState(t *testing.T) {
	f := newPipelineFixture(t)

	f.relay.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(apperrors.NewRelayError("/queue/send", 503, nil))
	_, err := f.pipeline.Send(context.Background(), "doomed", models.MessageKindText)
	require.NoError(t, err)
	require.Equal(t, 1, f.pipeline.PendingCount())

	commands := make(chan string, 1)
	f.pipeline.OnControl(func(cmd string) { commands <- cmd })

	f.pipeline.handleFrame(&models.Frame{Type: models.FrameControl, Command: models.ControlNuke})

	select {
	case cmd := <-commands:
		assert.Equal(t, models.ControlNuke, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("control handler never fired")
	}
	assert.Zero(t, f.pipeline.PendingCount())

	var pending []*models.Message
	found, err := f.vault.Load(vault.KeyPendingBuffer, &pending)
	require.NoError(t, err)
	assert.False(t, found, "vault must be wiped")
}

func TestPendingSurvivesRestart(t *testing.T) {
	key := envelope.DeriveKey("a-long-enough-shared-secret", "ABC123", "DEF456")
	logger := testLogger()
	dir := t.TempDir()

	v1, err := vault.New(dir, key, logger)
	require.NoError(t, err)

	relay1 := &mockRelayClient{}
	relay1.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(apperrors.NewRelayError("/queue/send", 503, nil))
	cm1 := NewConnectionManager("ABC123", "DEF456", &fakeDialer{}, fastCMConfig(), logger)

	p1, err := NewDeliveryPipeline("ABC123", "DEF456", key, cm1, relay1, v1, logger)
	require.NoError(t, err)
	_, err = p1.Send(context.Background(), "survives restart", models.MessageKindText)
	require.NoError(t, err)
	require.Equal(t, 1, p1.PendingCount())

	// New process, same vault directory.
	v2, err := vault.New(dir, key, logger)
	require.NoError(t, err)
	cm2 := NewConnectionManager("ABC123", "DEF456", &fakeDialer{}, fastCMConfig(), logger)

	p2, err := NewDeliveryPipeline("ABC123", "DEF456", key, cm2, &mockRelayClient{}, v2, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, p2.PendingCount())
}

func TestSeenIDsSurviveRestart(t *testing.T) {
	key := envelope.DeriveKey("a-long-enough-shared-secret", "ABC123", "DEF456")
	logger := testLogger()
	dir := t.TempDir()

	inbound := &models.Message{ID: "m1", SenderID: "DEF456", Body: "once ever"}

	v1, err := vault.New(dir, key, logger)
	require.NoError(t, err)
	cm1 := NewConnectionManager("ABC123", "DEF456", &fakeDialer{}, fastCMConfig(), logger)
	p1, err := NewDeliveryPipeline("ABC123", "DEF456", key, cm1, &mockRelayClient{}, v1, logger)
	require.NoError(t, err)

	p1.HandleRelayEntry(&models.QueueEntry{ID: "m1", Payload: encryptMessage(t, key, inbound)})
	receiveMessage(t, p1)

	v2, err := vault.New(dir, key, logger)
	require.NoError(t, err)
	cm2 := NewConnectionManager("ABC123", "DEF456", &fakeDialer{}, fastCMConfig(), logger)
	p2, err := NewDeliveryPipeline("ABC123", "DEF456", key, cm2, &mockRelayClient{}, v2, logger)
	require.NoError(t, err)

	p2.HandleRelayEntry(&models.QueueEntry{ID: "m1", Payload: encryptMessage(t, key, inbound)})
	select {
	case <-p2.Messages():
		t.Fatal("dedup must survive a restart")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerChangeDiscardsSavedState(t *testing.T) {
	logger := testLogger()
	dir := t.TempDir()

	oldKey := envelope.DeriveKey("a-long-enough-shared-secret", "ABC123", "DEF456")
	v1, err := vault.New(dir, oldKey, logger)
	require.NoError(t, err)

	relay1 := &mockRelayClient{}
	relay1.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(apperrors.NewRelayError("/queue/send", 503, nil))
	cm1 := NewConnectionManager("ABC123", "DEF456", &fakeDialer{}, fastCMConfig(), logger)
	p1, err := NewDeliveryPipeline("ABC123", "DEF456", oldKey, cm1, relay1, v1, logger)
	require.NoError(t, err)
	_, err = p1.Send(context.Background(), "for the old peer", models.MessageKindText)
	require.NoError(t, err)
	require.Equal(t, 1, p1.PendingCount())

	// Same vault directory, different peer. The key changes with the peer,
	// so the old blobs are unreadable and must not leak into the new pairing.
	newKey := envelope.DeriveKey("a-long-enough-shared-secret", "ABC123", "FEDCBA")
	v2, err := vault.New(dir, newKey, logger)
	require.NoError(t, err)
	cm2 := NewConnectionManager("ABC123", "FEDCBA", &fakeDialer{}, fastCMConfig(), logger)
	p2, err := NewDeliveryPipeline("ABC123", "FEDCBA", newKey, cm2, &mockRelayClient{}, v2, logger)
	require.NoError(t, err)

	assert.Equal(t, 0, p2.PendingCount())
}
