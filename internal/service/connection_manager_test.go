package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deaddrop/internal/models"
)

func fastCMConfig() ConnectionManagerConfig {
	return ConnectionManagerConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		LivenessTimeout:   80 * time.Millisecond,
		DialTimeout:       time.Second,
		RetryBackoff:      10 * time.Millisecond,
		MaxRetryBackoff:   50 * time.Millisecond,
	}
}

func waitForPhase(t *testing.T, cm *ConnectionManager, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cm.Phase() == want
	}, 2*time.Second, 5*time.Millisecond, "expected phase %s, got %s", want, cm.Phase())
}

func TestPhaseTransitionTable(t *testing.T) {
	assert.True(t, canTransition(PhaseDisconnected, PhaseConnecting))
	assert.True(t, canTransition(PhaseConnecting, PhaseOpen))
	assert.True(t, canTransition(PhaseOpen, PhaseVerified))
	assert.True(t, canTransition(PhaseVerified, PhaseBroken))
	assert.True(t, canTransition(PhaseBroken, PhaseConnecting))

	assert.False(t, canTransition(PhaseDisconnected, PhaseVerified))
	assert.False(t, canTransition(PhaseConnecting, PhaseVerified))
	assert.False(t, canTransition(PhaseVerified, PhaseOpen))
	assert.False(t, canTransition(PhaseBroken, PhaseVerified))
}

func TestSessionVerifiedOnPong(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseOpen)
	conn := dialer.latest()
	require.NotNil(t, conn)

	// Opening the session fires an immediate liveness challenge.
	require.Eventually(t, func() bool {
		return len(conn.sentOfType(models.FrameLivenessPing)) >= 1
	}, time.Second, 5*time.Millisecond)

	conn.deliver(&models.Frame{Type: models.FrameLivenessPong})
	waitForPhase(t, cm, PhaseVerified)
}

func TestSessionVerifiedOnPeerPing(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseOpen)
	conn := dialer.latest()

	// A ping from the peer both proves liveness and gets answered.
	conn.deliver(&models.Frame{Type: models.FrameLivenessPing})
	waitForPhase(t, cm, PhaseVerified)

	require.Eventually(t, func() bool {
		return len(conn.sentOfType(models.FrameLivenessPong)) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestOnVerifiedCallback(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	verified := make(chan struct{}, 1)
	cm.OnVerified(func() { verified <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseOpen)
	dialer.latest().deliver(&models.Frame{Type: models.FrameLivenessPong})

	select {
	case <-verified:
	case <-time.After(2 * time.Second):
		t.Fatal("verified callback never fired")
	}
}

func TestLivenessTimeoutDemotesSession(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseOpen)
	conn := dialer.latest()
	conn.deliver(&models.Frame{Type: models.FrameLivenessPong})
	waitForPhase(t, cm, PhaseVerified)

	// Go silent. The heartbeat loop must notice and demote, then the run
	// loop redials.
	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 2
	}, 2*time.Second, 5*time.Millisecond, "silent peer should trigger a reconnect")
}

func TestDialFailureGoesBrokenAndRetries(t *testing.T) {
	dialer := &fakeDialer{failDial: true}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseBroken)

	// A failed dial is never fatal; the manager keeps trying.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PhaseBroken, cm.Phase())
}

func TestTransportCloseBreaksSession(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseOpen)
	first := dialer.latest()
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		return dialer.dialCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendFrameRequiresOpenSession(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	err := cm.SendFrame(context.Background(), &models.Frame{Type: models.FrameEnvelope})
	assert.Error(t, err)
}

func TestNonLivenessFramesReachHandler(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	received := make(chan *models.Frame, 1)
	cm.SetFrameHandler(func(f *models.Frame) { received <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Run(ctx)

	waitForPhase(t, cm, PhaseOpen)
	dialer.latest().deliver(&models.Frame{Type: models.FrameEnvelope, Payload: "ciphertext"})

	select {
	case f := <-received:
		assert.Equal(t, models.FrameEnvelope, f.Type)
		assert.Equal(t, "ciphertext", f.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the handler")
	}
}

func TestUnlinkStopsManager(t *testing.T) {
	dialer := &fakeDialer{}
	cm := NewConnectionManager("ABC123", "DEF456", dialer, fastCMConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		cm.Run(ctx)
		close(done)
	}()

	waitForPhase(t, cm, PhaseOpen)
	cm.Unlink()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit after unlink")
	}

	waitForPhase(t, cm, PhaseDisconnected)
	dials := dialer.dialCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, dialer.dialCount(), "no dials after unlink")
}
