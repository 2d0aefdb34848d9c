package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"deaddrop/internal/constants"
	"deaddrop/internal/models"
	"deaddrop/internal/privacy"
)

// WebSocketDialer dials the rendezvous service, which patches the two
// identities into one session. The rendezvous internals are opaque here:
// once the socket is open it behaves like a direct link to the peer.
type WebSocketDialer struct {
	rendezvousURL string
	myID          string
	dialTimeout   time.Duration
	logger        *logrus.Logger
}

func NewWebSocketDialer(rendezvousURL, myID string, dialTimeout time.Duration, logger *logrus.Logger) *WebSocketDialer {
	if dialTimeout <= 0 {
		dialTimeout = constants.DefaultDialTimeoutSec * time.Second
	}
	return &WebSocketDialer{
		rendezvousURL: rendezvousURL,
		myID:          myID,
		dialTimeout:   dialTimeout,
		logger:        logger,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, peerID string) (Transport, error) {
	sessionURL := fmt.Sprintf("%s/session?from=%s&to=%s",
		d.rendezvousURL, url.QueryEscape(d.myID), url.QueryEscape(peerID))

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rendezvous session: %w", err)
	}

	d.logger.WithField("peer", privacy.MaskIdentity(peerID)).Debug("Transport session opened")

	t := &wsTransport{
		conn:   conn,
		frames: make(chan *models.Frame, 32),
		closed: make(chan struct{}),
		logger: d.logger,
	}
	go t.readLoop()

	return t, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	frames    chan *models.Frame
	closed    chan struct{}
	closeOnce sync.Once
	logger    *logrus.Logger
}

func (t *wsTransport) Send(ctx context.Context, frame *models.Frame) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Frames() <-chan *models.Frame {
	return t.frames
}

func (t *wsTransport) Closed() <-chan struct{} {
	return t.closed
}

func (t *wsTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "unlinked")
	t.markClosed()
	return err
}

// readLoop is the only writer to t.frames and closes it on exit.
func (t *wsTransport) readLoop() {
	defer func() {
		t.markClosed()
		close(t.frames)
	}()

	for {
		_, data, err := t.conn.Read(context.Background())
		if err != nil {
			// Normal closure and abrupt loss both end the session; the
			// connection manager's liveness probes tell them apart.
			t.logger.WithError(err).Debug("Transport read loop ended")
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			t.logger.WithError(err).Warn("Dropping undecodable frame")
			continue
		}

		select {
		case t.frames <- frame:
		case <-t.closed:
			return
		}
	}
}

func (t *wsTransport) markClosed() {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
}
