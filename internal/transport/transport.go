// Package transport abstracts the direct peer-to-peer session. The
// rendezvous service that pairs two identities is external; all this
// package sees is a framed, ordered, bidirectional byte stream.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"deaddrop/internal/models"
)

// Transport is one established session to a peer. Implementations must
// deliver frames in write order and report closure exactly once on Closed.
type Transport interface {
	// Send writes one frame. An error means the session is no longer
	// usable; the caller decides what to do about it.
	Send(ctx context.Context, frame *models.Frame) error
	// Frames returns the inbound frame stream. The channel is closed when
	// the session ends.
	Frames() <-chan *models.Frame
	// Closed is closed when the session ends, whatever the reason.
	Closed() <-chan struct{}
	// Close tears the session down.
	Close() error
}

// Dialer establishes a Transport to a peer identity.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (Transport, error)
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(frame *models.Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a wire frame. A frame without a type discriminator is
// treated as a bare encrypted envelope, which is how the earliest peers
// framed their messages.
func DecodeFrame(data []byte) (*models.Frame, error) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if frame.Type == "" {
		if frame.Payload == "" {
			return nil, fmt.Errorf("frame has neither type nor payload")
		}
		frame.Type = models.FrameEnvelope
	}
	return &frame, nil
}
