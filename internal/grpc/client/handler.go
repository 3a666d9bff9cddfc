package client

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-link/internal/grpc/channel"
)

// ErrDisconnected is returned when the host ends the session.
var ErrDisconnected = errors.New("disconnected by host")

// MessageHandler turns host frames into replies.
type MessageHandler struct {
	onProbe func(id string)
}

func NewMessageHandler(onProbe func(id string)) *MessageHandler {
	if onProbe == nil {
		onProbe = func(string) {}
	}
	return &MessageHandler{onProbe: onProbe}
}

// Handle returns the reply to send, if any. A disconnect from the host is
// reported as an error wrapping ErrDisconnected.
func (h *MessageHandler) Handle(msg channel.Message) (*channel.Message, error) {
	switch msg.Type {
	case channel.TypeProbe:
		h.onProbe(msg.ID)
		reply := channel.ProbeAck(msg.ID)
		return &reply, nil

	case channel.TypeHeartbeatAck:
		slog.Debug("Heartbeat acknowledged", "message_id", msg.ID)
		return nil, nil

	case channel.TypeDisconnect:
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, msg.Reason)

	case channel.TypeError:
		return nil, fmt.Errorf("host error: %s", msg.Reason)

	default:
		slog.Warn("Unknown message type", "type", msg.Type)
		return nil, nil
	}
}
