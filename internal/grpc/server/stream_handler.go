package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/EternisAI/silo-link/internal/apperr"
	"github.com/EternisAI/silo-link/internal/audit"
	"github.com/EternisAI/silo-link/internal/grpc/channel"
	grpctls "github.com/EternisAI/silo-link/internal/grpc/tls"
	"github.com/EternisAI/silo-link/internal/sessions"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errServerClosed     = errors.New("session closed by host")
	errClientDisconnect = errors.New("client sent disconnect")
)

type Authenticator interface {
	Authenticate(ctx context.Context, deviceID, token string) error
}

type SessionManager interface {
	Open(ctx context.Context, deviceID string, ch sessions.Channel) (*sessions.Session, error)
	Close(ctx context.Context, sessionID, reason string) error
	Heartbeat(sessionID string) error
	RecordProbeAck(sessionID, probeID string) bool
}

type StreamHandler struct {
	auth            Authenticator
	sessions        SessionManager
	trail           *audit.Trail
	requirePeerCert bool
}

// NewStreamHandler builds the channel handler. With requirePeerCert a stream
// without a verified client certificate is rejected; a certificate that is
// present must always name the device.
func NewStreamHandler(auth Authenticator, sm SessionManager, trail *audit.Trail, requirePeerCert bool) *StreamHandler {
	return &StreamHandler{
		auth:            auth,
		sessions:        sm,
		trail:           trail,
		requirePeerCert: requirePeerCert,
	}
}

func (sh *StreamHandler) HandleStream(stream channel.ServerStream) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive hello: %w", err)
	}
	hello, err := channel.Decode(first)
	if err != nil || hello.Type != channel.TypeHello {
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}

	deviceID := hello.Meta(channel.MetaDeviceID)
	if err := sh.authenticate(ctx, deviceID, hello.Meta(channel.MetaAuthToken)); err != nil {
		slog.Warn("Channel authentication failed", "device_id", deviceID, "error", err)
		sh.trail.Record(ctx, audit.ChannelAuthFailed, deviceID, map[string]any{"error": err.Error()})
		_ = stream.Send(channel.Error(reasonFor(err)).Struct())
		return toStatus(err)
	}

	conn := newDeviceConn(deviceID)
	session, err := sh.sessions.Open(ctx, deviceID, conn)
	if err != nil {
		slog.Warn("Failed to open session", "device_id", deviceID, "error", err)
		_ = stream.Send(channel.Error(reasonFor(err)).Struct())
		return toStatus(err)
	}

	// Probes queued by the monitor wait in sendCh until the send loop starts,
	// so hello_ack is always the first frame the device sees.
	if err := stream.Send(channel.HelloAck(session.ID).Struct()); err != nil {
		_ = sh.sessions.Close(context.Background(), session.ID, sessions.ReasonClientDisconnect)
		return fmt.Errorf("failed to send hello_ack: %w", err)
	}

	sh.trail.Record(ctx, audit.ChannelEstablished, deviceID, map[string]any{"session_id": session.ID})
	slog.Info("Channel established", "device_id", deviceID, "session_id", session.ID)

	done := make(chan struct{})
	errChan := make(chan error, 2)

	go sh.receiveLoop(ctx, session.ID, conn, stream, done, errChan)
	go sh.sendLoop(conn, stream, done, errChan)

	err = <-errChan
	close(done)

	if cerr := sh.sessions.Close(context.Background(), session.ID, sessions.ReasonClientDisconnect); cerr == nil {
		slog.Info("Device disconnected", "device_id", deviceID, "session_id", session.ID)
	}

	if errors.Is(err, errServerClosed) || errors.Is(err, errClientDisconnect) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (sh *StreamHandler) authenticate(ctx context.Context, deviceID, token string) error {
	if deviceID == "" || token == "" {
		return apperr.Validation("hello requires device_id and auth_token")
	}
	if err := sh.auth.Authenticate(ctx, deviceID, token); err != nil {
		return err
	}

	cn, err := grpctls.PeerCommonName(peerFrom(ctx))
	switch {
	case errors.Is(err, grpctls.ErrNoPeerCertificate):
		if sh.requirePeerCert {
			return apperr.Authentication("client certificate required")
		}
		return nil
	case err != nil:
		return err
	case cn != deviceID:
		return apperr.Authentication("client certificate issued to another device")
	}
	return nil
}

func peerFrom(ctx context.Context) *peer.Peer {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil
	}
	return p
}

func (sh *StreamHandler) receiveLoop(ctx context.Context, sessionID string, conn *deviceConn, stream channel.ServerStream, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
		}

		frame, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				slog.Debug("Error receiving message", "device_id", conn.deviceID, "error", err)
			}
			errChan <- err
			return
		}

		msg, err := channel.Decode(frame)
		if err != nil {
			slog.Warn("Dropping malformed message", "device_id", conn.deviceID, "error", err)
			continue
		}

		slog.Debug("Message received", "device_id", conn.deviceID, "type", msg.Type, "message_id", msg.ID)

		switch msg.Type {
		case channel.TypeProbeAck:
			sh.sessions.RecordProbeAck(sessionID, msg.ID)
		case channel.TypeHeartbeat:
			if err := sh.sessions.Heartbeat(sessionID); err != nil {
				slog.Debug("Heartbeat for closed session", "session_id", sessionID, "error", err)
				continue
			}
			ack := channel.Message{Type: channel.TypeHeartbeatAck, ID: msg.ID}
			if err := conn.enqueue(ctx, ack); err != nil {
				slog.Debug("Failed to queue heartbeat_ack", "device_id", conn.deviceID, "error", err)
			}
		case channel.TypeDisconnect:
			slog.Info("Device requested disconnect", "device_id", conn.deviceID, "reason", msg.Reason)
			errChan <- errClientDisconnect
			return
		default:
			slog.Warn("Unknown message type", "device_id", conn.deviceID, "type", msg.Type)
		}
	}
}

// sendLoop drains conn onto the wire. Once conn is closing nothing queued
// behind the disconnect is sent.
func (sh *StreamHandler) sendLoop(conn *deviceConn, stream channel.ServerStream, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-conn.closing:
			sh.sendDisconnect(conn, stream)
			errChan <- errServerClosed
			return
		default:
		}

		select {
		case <-done:
			return
		case <-conn.closing:
			sh.sendDisconnect(conn, stream)
			errChan <- errServerClosed
			return
		case msg := <-conn.sendCh:
			if conn.isClosing() {
				continue
			}
			if err := stream.Send(msg.Struct()); err != nil {
				slog.Error("Error sending message", "device_id", conn.deviceID, "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (sh *StreamHandler) sendDisconnect(conn *deviceConn, stream channel.ServerStream) {
	reason := conn.closeReason()
	if reason == sessions.ReasonClientDisconnect {
		return
	}
	if err := stream.Send(channel.Disconnect(reason).Struct()); err != nil {
		slog.Debug("Failed to send disconnect", "device_id", conn.deviceID, "error", err)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "invalid_request"
	case errors.Is(err, apperr.ErrExpired):
		return "token_expired"
	case errors.Is(err, apperr.ErrAuthentication):
		return "authentication_failed"
	case errors.Is(err, apperr.ErrAuthorization):
		return "not_paired"
	default:
		return "internal_error"
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, apperr.ErrAuthentication), errors.Is(err, apperr.ErrExpired):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, apperr.ErrAuthorization):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, "failed to open session")
	}
}
