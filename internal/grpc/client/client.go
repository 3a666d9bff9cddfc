package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-link/internal/grpc/channel"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpctls "github.com/EternisAI/silo-link/internal/grpc/tls"
)

const (
	sendChannelBuffer        = 100
	DefaultHeartbeatInterval = 30 * time.Second
	initialDelay             = 1 * time.Second
	maxDelay                 = 30 * time.Second
	backoffFactor            = 2

	clientDisconnectReason = "client_disconnect"
)

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

type Config struct {
	ServerAddr        string
	DeviceID          string
	AuthToken         string
	TLS               *TLSConfig
	HeartbeatInterval time.Duration
}

type Option func(*Client)

// WithDialOptions replaces the transport credentials derived from the TLS config.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = opts }
}

func WithProbeHook(fn func(id string)) Option {
	return func(c *Client) { c.handler = NewMessageHandler(fn) }
}

// Client keeps a session channel to the host open, reconnecting with
// exponential backoff, and answers the host's probes.
type Client struct {
	cfg      Config
	dialOpts []grpc.DialOption
	handler  *MessageHandler

	conn      *grpc.ClientConn
	stream    channel.ClientStream
	sessionID string

	sendCh  chan channel.Message
	byeOnce sync.Once
	byeSent chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:               cfg,
		handler:           NewMessageHandler(nil),
		sendCh:            make(chan channel.Message, sendChannelBuffer),
		byeSent:           make(chan struct{}),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Start() error {
	if c.cfg.DeviceID == "" || c.cfg.AuthToken == "" {
		return fmt.Errorf("device id and auth token are required, pair the device first")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping gRPC client")
	c.sendDisconnect()
	close(c.stopCh)
	c.cancel()
	<-c.doneCh
	slog.Info("gRPC client stopped")
	return nil
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) Send(msg channel.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

// sendDisconnect tells the host the close is intentional and waits briefly
// for the send loop to flush it.
func (c *Client) sendDisconnect() {
	if c.SessionID() == "" {
		return
	}
	if err := c.Send(channel.Disconnect(clientDisconnectReason)); err != nil {
		return
	}
	select {
	case <-c.byeSent:
	case <-time.After(time.Second):
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			slog.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
			select {
			case <-time.After(c.reconnectDelay):
				c.increaseReconnectDelay()
				continue
			case <-c.stopCh:
				return
			}
		}

		c.reconnectDelay = initialDelay

		if err := c.handleStream(); err != nil {
			switch {
			case err == io.EOF:
				slog.Info("Server closed connection")
			case errors.Is(err, ErrDisconnected):
				slog.Warn("Session closed by host", "reason", err)
			default:
				slog.Error("Stream error", "error", err)
			}
		}

		c.disconnect()

		select {
		case <-c.stopCh:
			return
		case <-time.After(c.reconnectDelay):
			slog.Info("Reconnecting", "delay", c.reconnectDelay)
			c.increaseReconnectDelay()
		}
	}
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	if c.dialOpts != nil {
		return c.dialOpts, nil
	}
	tlsCfg := c.cfg.TLS
	if tlsCfg == nil || !tlsCfg.Enabled {
		slog.Warn("Using insecure connection (TLS disabled)")
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
	creds, err := grpctls.LoadClientCredentials(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile, tlsCfg.ServerNameOverride)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
}

func (c *Client) connect() error {
	slog.Info("Connecting to server", "address", c.cfg.ServerAddr)

	opts, err := c.dialOptions()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(c.cfg.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	stream, err := channel.Open(c.ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	if err := stream.Send(channel.Hello(c.cfg.DeviceID, c.cfg.AuthToken).Struct()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	frame, err := stream.Recv()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to receive hello_ack: %w", err)
	}
	ack, err := channel.Decode(frame)
	if err != nil {
		conn.Close()
		return fmt.Errorf("invalid hello_ack: %w", err)
	}
	if ack.Type != channel.TypeHelloAck {
		conn.Close()
		return fmt.Errorf("host rejected channel: %s", ack.Reason)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.sessionID = ack.Meta(channel.MetaSessionID)
	c.mu.Unlock()

	slog.Info("Connected to server", "address", c.cfg.ServerAddr, "session_id", ack.Meta(channel.MetaSessionID))
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	// The receive loop is left blocked in Recv; closing the stream ends it.
	var writers sync.WaitGroup
	writers.Add(2)
	go c.receiveLoop(done, errChan)
	go func() {
		defer writers.Done()
		c.sendLoop(done, errChan)
	}()
	go func() {
		defer writers.Done()
		c.heartbeatLoop(done, errChan)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
	}
	close(done)
	writers.Wait()
	return err
}

func (c *Client) currentStream() channel.ClientStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
		}

		stream := c.currentStream()
		if stream == nil {
			errChan <- fmt.Errorf("stream is nil")
			return
		}

		frame, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				slog.Debug("Error receiving message", "error", err)
			}
			errChan <- err
			return
		}

		msg, err := channel.Decode(frame)
		if err != nil {
			slog.Warn("Dropping malformed message", "error", err)
			continue
		}

		reply, err := c.handler.Handle(msg)
		if err != nil {
			errChan <- err
			return
		}
		if reply != nil {
			if err := c.Send(*reply); err != nil {
				slog.Error("Failed to queue reply", "type", reply.Type, "error", err)
			}
		}
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.sendCh:
			stream := c.currentStream()
			if stream == nil {
				errChan <- fmt.Errorf("stream is nil")
				return
			}

			slog.Debug("Sending message", "message_id", msg.ID, "type", msg.Type)

			if err := stream.Send(msg.Struct()); err != nil {
				slog.Error("Error sending message", "error", err)
				errChan <- err
				return
			}
			if msg.Type == channel.TypeDisconnect {
				c.byeOnce.Do(func() { close(c.byeSent) })
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := channel.Message{Type: channel.TypeHeartbeat, ID: uuid.NewString()}
			if err := c.Send(hb); err != nil {
				slog.Error("Failed to send heartbeat", "error", err)
				errChan <- err
				return
			}
		}
	}
}
