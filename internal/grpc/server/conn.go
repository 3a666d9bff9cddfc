package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-link/internal/grpc/channel"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
)

var ErrConnClosed = errors.New("channel connection closed")

// deviceConn is the session-facing side of one open stream. The session
// manager probes through it and closes it with a reason; the stream's send
// loop is the only writer to the wire.
type deviceConn struct {
	deviceID string
	sendCh   chan channel.Message

	closeOnce sync.Once
	closing   chan struct{}

	mu     sync.Mutex
	reason string
}

func newDeviceConn(deviceID string) *deviceConn {
	return &deviceConn{
		deviceID: deviceID,
		sendCh:   make(chan channel.Message, sendChannelBuffer),
		closing:  make(chan struct{}),
	}
}

func (c *deviceConn) SendProbe(ctx context.Context, probeID string) error {
	return c.enqueue(ctx, channel.Probe(probeID))
}

// Disconnect asks the send loop to tell the peer why it is dropped and end
// the stream. Only the first reason is kept.
func (c *deviceConn) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closing)
	})
}

func (c *deviceConn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *deviceConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *deviceConn) enqueue(ctx context.Context, msg channel.Message) error {
	if c.isClosing() {
		return ErrConnClosed
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case c.sendCh <- msg:
		slog.Debug("Message queued for device", "device_id", c.deviceID, "type", msg.Type, "message_id", msg.ID)
		return nil
	case <-c.closing:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout sending %s to device %s", msg.Type, c.deviceID)
	}
}
