package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
	apperrors "deaddrop/internal/errors"
	"deaddrop/internal/metrics"
	"deaddrop/internal/models"
	"deaddrop/internal/privacy"
	"deaddrop/internal/transport"
)

// Phase is the lifecycle state of the direct peer session.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseOpen         Phase = "open"
	PhaseVerified     Phase = "verified"
	PhaseBroken       Phase = "broken"
)

// legalTransitions is the single source of truth for phase changes. Every
// transition goes through setPhase so a bad code path cannot skip a state.
var legalTransitions = map[Phase][]Phase{
	PhaseDisconnected: {PhaseConnecting},
	PhaseConnecting:   {PhaseOpen, PhaseBroken, PhaseDisconnected},
	PhaseOpen:         {PhaseVerified, PhaseBroken, PhaseDisconnected},
	PhaseVerified:     {PhaseBroken, PhaseDisconnected},
	PhaseBroken:       {PhaseConnecting, PhaseDisconnected},
}

func canTransition(from, to Phase) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnectionManagerConfig carries the liveness tuning knobs.
type ConnectionManagerConfig struct {
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	DialTimeout       time.Duration
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
}

func DefaultConnectionManagerConfig() ConnectionManagerConfig {
	return ConnectionManagerConfig{
		HeartbeatInterval: constants.DefaultHeartbeatIntervalSec * time.Second,
		LivenessTimeout:   constants.DefaultLivenessTimeoutSec * time.Second,
		DialTimeout:       constants.DefaultDialTimeoutSec * time.Second,
		RetryBackoff:      constants.DefaultRetryBackoffMs * time.Millisecond,
		MaxRetryBackoff:   constants.DefaultMaxBackoffMs * time.Millisecond,
	}
}

// ConnectionManager owns the direct session to the peer: dialing, liveness
// verification, heartbeats and reconnection. Frames that are not liveness
// traffic are handed to the registered frame handler. A dead or unreachable
// peer is never fatal; the manager parks in the broken phase and the
// delivery pipeline falls back to the relay.
type ConnectionManager struct {
	myID   string
	peerID string
	dialer transport.Dialer
	cfg    ConnectionManagerConfig
	logger *logrus.Logger

	mu         sync.RWMutex
	phase      Phase
	conn       transport.Transport
	lastSeen   time.Time
	onFrame    func(*models.Frame)
	onVerified []func()

	resumeCh chan struct{}
	unlinked bool
}

func NewConnectionManager(myID, peerID string, dialer transport.Dialer, cfg ConnectionManagerConfig, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		myID:     myID,
		peerID:   peerID,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		phase:    PhaseDisconnected,
		resumeCh: make(chan struct{}, 1),
	}
}

// SetFrameHandler registers the consumer for non-liveness frames. Must be
// called before Run.
func (cm *ConnectionManager) SetFrameHandler(handler func(*models.Frame)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onFrame = handler
}

// OnVerified registers a callback invoked every time the session reaches
// the verified phase. The pipeline uses this to flush its pending buffer.
func (cm *ConnectionManager) OnVerified(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onVerified = append(cm.onVerified, fn)
}

// Phase returns the current session phase.
func (cm *ConnectionManager) Phase() Phase {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.phase
}

// Run drives the connect/retry loop until the context ends or Unlink is
// called. Each failed attempt backs off exponentially up to the configured
// ceiling; Resume resets the backoff and retries immediately.
func (cm *ConnectionManager) Run(ctx context.Context) {
	backoff := cm.cfg.RetryBackoff

	for {
		if ctx.Err() != nil {
			return
		}
		cm.mu.RLock()
		unlinked := cm.unlinked
		cm.mu.RUnlock()
		if unlinked {
			return
		}

		err := cm.runSession(ctx)
		if err != nil {
			cm.logger.WithError(err).WithField("peer", privacy.MaskIdentity(cm.peerID)).
				Debug("Direct session ended")
		}

		select {
		case <-ctx.Done():
			return
		case <-cm.resumeCh:
			backoff = cm.cfg.RetryBackoff
		case <-time.After(backoff):
			backoff *= 2
			if backoff > cm.cfg.MaxRetryBackoff {
				backoff = cm.cfg.MaxRetryBackoff
			}
		}
	}
}

// Resume asks the run loop to retry the connection now rather than waiting
// out the current backoff.
func (cm *ConnectionManager) Resume() {
	select {
	case cm.resumeCh <- struct{}{}:
	default:
	}
}

// Unlink tears the session down permanently. The run loop exits and no
// further dials are attempted.
func (cm *ConnectionManager) Unlink() {
	cm.mu.Lock()
	cm.unlinked = true
	conn := cm.conn
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	cm.setPhase(PhaseDisconnected)
	cm.Resume()
}

// SendFrame writes a frame over the direct session. Callers should only
// send application frames once the phase is verified; liveness traffic is
// the manager's own business.
func (cm *ConnectionManager) SendFrame(ctx context.Context, frame *models.Frame) error {
	cm.mu.RLock()
	conn := cm.conn
	phase := cm.phase
	cm.mu.RUnlock()

	if conn == nil || (phase != PhaseOpen && phase != PhaseVerified) {
		return apperrors.New(apperrors.ErrCodeTransport, "no open session to peer")
	}
	if err := conn.Send(ctx, frame); err != nil {
		cm.breakSession(conn)
		return apperrors.NewTransportError("send", err)
	}
	return nil
}

// runSession performs one dial attempt and, if it succeeds, services the
// session until it breaks or the context ends.
func (cm *ConnectionManager) runSession(ctx context.Context) error {
	if !cm.setPhase(PhaseConnecting) {
		return fmt.Errorf("cannot start connecting from phase %s", cm.Phase())
	}

	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	conn, err := cm.dialer.Dial(dialCtx, cm.peerID)
	cancel()
	if err != nil {
		cm.setPhase(PhaseBroken)
		metrics.IncrementCounter("transport_dial_failures_total", nil, "Failed attempts to dial the peer")
		return apperrors.NewTransportError("dial", err)
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.lastSeen = time.Now()
	cm.mu.Unlock()
	cm.setPhase(PhaseOpen)
	cm.logger.WithField("peer", privacy.MaskIdentity(cm.peerID)).Info("Direct session open")

	// Challenge the peer immediately; the pong promotes us to verified.
	if err := conn.Send(ctx, &models.Frame{Type: models.FrameLivenessPing}); err != nil {
		cm.breakSession(conn)
		return apperrors.NewTransportError("liveness ping", err)
	}

	ticker := time.NewTicker(cm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			cm.setPhase(PhaseDisconnected)
			return ctx.Err()

		case <-conn.Closed():
			cm.breakSession(conn)
			return fmt.Errorf("session closed by transport")

		case frame, ok := <-conn.Frames():
			if !ok {
				cm.breakSession(conn)
				return fmt.Errorf("frame stream ended")
			}
			cm.handleFrame(ctx, conn, frame)

		case <-ticker.C:
			cm.mu.RLock()
			silent := time.Since(cm.lastSeen)
			cm.mu.RUnlock()
			if silent > cm.cfg.LivenessTimeout {
				cm.logger.WithFields(logrus.Fields{
					"peer":   privacy.MaskIdentity(cm.peerID),
					"silent": silent.Round(time.Second).String(),
				}).Warn("Peer liveness timeout, demoting session")
				cm.breakSession(conn)
				return fmt.Errorf("liveness timeout after %s", silent.Round(time.Second))
			}
			if err := conn.Send(ctx, &models.Frame{Type: models.FrameLivenessPing}); err != nil {
				cm.breakSession(conn)
				return apperrors.NewTransportError("heartbeat", err)
			}
		}
	}
}

func (cm *ConnectionManager) handleFrame(ctx context.Context, conn transport.Transport, frame *models.Frame) {
	cm.mu.Lock()
	cm.lastSeen = time.Now()
	cm.mu.Unlock()

	switch frame.Type {
	case models.FrameLivenessPing:
		cm.markVerified()
		if err := conn.Send(ctx, &models.Frame{Type: models.FrameLivenessPong}); err != nil {
			cm.logger.WithError(err).Debug("Failed to answer liveness ping")
		}
	case models.FrameLivenessPong:
		cm.markVerified()
	default:
		cm.mu.RLock()
		handler := cm.onFrame
		cm.mu.RUnlock()
		if handler != nil {
			handler(frame)
		}
	}
}

// markVerified promotes an open session when the peer proves it is alive.
// Re-verification while already verified is a no-op.
func (cm *ConnectionManager) markVerified() {
	cm.mu.Lock()
	if cm.phase != PhaseOpen {
		cm.mu.Unlock()
		return
	}
	cm.phase = PhaseVerified
	callbacks := make([]func(), len(cm.onVerified))
	copy(callbacks, cm.onVerified)
	cm.mu.Unlock()

	metrics.IncrementCounter("transport_sessions_verified_total", nil, "Direct sessions that reached the verified phase")
	cm.logger.WithField("peer", privacy.MaskIdentity(cm.peerID)).Info("Peer verified alive")
	for _, fn := range callbacks {
		fn()
	}
}

func (cm *ConnectionManager) breakSession(conn transport.Transport) {
	_ = conn.Close()
	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.mu.Unlock()
	cm.setPhase(PhaseBroken)
}

func (cm *ConnectionManager) setPhase(to Phase) bool {
	cm.mu.Lock()
	from := cm.phase
	if from == to {
		cm.mu.Unlock()
		return true
	}
	if !canTransition(from, to) {
		cm.mu.Unlock()
		cm.logger.WithFields(logrus.Fields{
			"from": string(from),
			"to":   string(to),
		}).Debug("Ignoring illegal phase transition")
		return false
	}
	cm.phase = to
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"from": string(from),
		"to":   string(to),
	}).Debug("Session phase changed")
	return true
}
