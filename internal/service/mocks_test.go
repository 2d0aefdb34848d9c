package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"deaddrop/internal/models"
	"deaddrop/internal/transport"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeTransport is an in-memory transport. Frames sent by the code under
// test land in sent; the test injects peer frames with deliver.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []*models.Frame
	frames chan *models.Frame
	closed chan struct{}
	once   sync.Once

	failSend bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan *models.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame *models.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return fmt.Errorf("simulated send failure")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Frames() <-chan *models.Frame { return f.frames }
func (f *fakeTransport) Closed() <-chan struct{}      { return f.closed }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(frame *models.Frame) {
	f.frames <- frame
}

func (f *fakeTransport) sentFrames() []*models.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) sentOfType(ft models.FrameType) []*models.Frame {
	var out []*models.Frame
	for _, frame := range f.sentFrames() {
		if frame.Type == ft {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeTransport) setFailSend(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fail
}

// fakeDialer hands out a fresh fakeTransport per dial, or an error.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeTransport
	failDial bool
}

func (d *fakeDialer) Dial(ctx context.Context, peerID string) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDial {
		return nil, fmt.Errorf("simulated dial failure")
	}
	conn := newFakeTransport()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type mockRelayClient struct {
	mock.Mock
}

func (m *mockRelayClient) Enqueue(ctx context.Context, toUser, messageID string, createdAt int64, payload string) error {
	args := m.Called(ctx, toUser, messageID, createdAt, payload)
	return args.Error(0)
}

func (m *mockRelayClient) Sync(ctx context.Context, userID string, since int64, wait bool) ([]models.QueueEntry, error) {
	args := m.Called(ctx, userID, since, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QueueEntry), args.Error(1)
}

func (m *mockRelayClient) Ack(ctx context.Context, userID string, messageIDs []string) error {
	args := m.Called(ctx, userID, messageIDs)
	return args.Error(0)
}

func (m *mockRelayClient) Register(ctx context.Context, p *models.Presence) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}
