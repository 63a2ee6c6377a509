// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sylcore/convergence-agent/internal/agent/messaging"
	"github.com/sylcore/convergence-agent/internal/convergence"
)

// wsControlClient is a convergence.ControlClient backed by a single
// established websocket connection. One is created per successful
// dial; it becomes unusable once the connection drops, matching
// ClusterStatusFSM's model of a ControlClient tied to one connection.
type wsControlClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan messaging.AckPayload

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSControlClient(conn *websocket.Conn) *wsControlClient {
	return &wsControlClient{
		conn:    conn,
		pending: make(map[string]chan messaging.AckPayload),
		closed:  make(chan struct{}),
	}
}

// Call sends a NodeStateCommand as a KindNodeState envelope and blocks
// for the matching ack, correlated by RequestID.
func (c *wsControlClient) Call(ctx context.Context, cmd convergence.NodeStateCommand) (convergence.ControlResponse, error) {
	requestID := uuid.New().String()
	payload, err := json.Marshal(messaging.NodeStateCommandToDTO(cmd))
	if err != nil {
		return convergence.ControlResponse{}, fmt.Errorf("marshal node-state payload: %w", err)
	}

	ackCh := make(chan messaging.AckPayload, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ackCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	envelope := messaging.Envelope{Kind: messaging.KindNodeState, RequestID: requestID, Payload: payload}
	data, err := json.Marshal(envelope)
	if err != nil {
		return convergence.ControlResponse{}, fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return convergence.ControlResponse{}, fmt.Errorf("write node-state message: %w", err)
	}

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return convergence.ControlResponse{Acknowledged: ack.Acknowledged}, fmt.Errorf("control service rejected report: %s", ack.Error)
		}
		return convergence.ControlResponse{Acknowledged: ack.Acknowledged}, nil
	case <-c.closed:
		return convergence.ControlResponse{}, messaging.ErrNotConnected
	case <-ctx.Done():
		return convergence.ControlResponse{}, ctx.Err()
	}
}

// deliverAck is called by the transport's read loop when an ack arrives
// for requestID. A stale or unknown requestID (the client moved on) is
// silently dropped.
func (c *wsControlClient) deliverAck(requestID string, ack messaging.AckPayload) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *wsControlClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Transport owns the reconnecting mTLS websocket dial loop and drives
// ClusterStatusFSM's Connected/StatusUpdate/Disconnected inputs from
// what it reads off the wire, mirroring the teacher's Agent.Start
// reconnect loop.
type Transport struct {
	cfg        Config
	clientCert tls.Certificate
	serverCA   *x509.CertPool
	fsm        *convergence.ClusterStatusFSM
	logger     *slog.Logger
}

// NewTransport loads the configured TLS material (if enabled) and
// constructs a Transport bound to fsm.
func NewTransport(cfg Config, fsm *convergence.ClusterStatusFSM, logger *slog.Logger) (*Transport, error) {
	t := &Transport{cfg: cfg, fsm: fsm, logger: logger.With("component", "transport")}

	if !cfg.TLSEnabled {
		t.logger.Warn("TLS disabled, connecting without mTLS")
		return t, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	t.clientCert = cert

	if cfg.ServerCAPath != "" {
		caBytes, err := os.ReadFile(cfg.ServerCAPath)
		if err != nil {
			t.logger.Warn("failed to read server CA certificate, verifying the server against system root CAs", "path", cfg.ServerCAPath, "error", err)
		} else {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(caBytes) {
				t.serverCA = pool
			} else {
				t.logger.Warn("failed to parse server CA certificate")
			}
		}
	}

	return t, nil
}

// Run dials, reconnecting with cfg.ReconnectDelay between attempts,
// until ctx is cancelled. Each successful connection's lifetime is
// reported to the ClusterStatusFSM via Connected/Disconnected. The
// transport's logger is carried on ctx rather than read off t directly,
// so dial and readLoop (and anything they call) pick it up uniformly.
func (t *Transport) Run(ctx context.Context) {
	ctx = NewContext(ctx, t.logger)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := t.dial(ctx)
		if err != nil {
			FromContext(ctx).Error("connection failed", "error", err, "retryAfter", t.cfg.ReconnectDelay)
			if !t.sleep(ctx, t.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		client := newWSControlClient(conn)
		t.fsm.Connected(ctx, client)
		t.readLoop(ctx, conn, client)
		t.fsm.Disconnected(ctx)
		_ = client.Close()

		if !t.sleep(ctx, t.cfg.ReconnectDelay) {
			return
		}
	}
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := FromContext(ctx)

	u, err := url.Parse(t.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	query := u.Query()
	query.Set("planeType", t.cfg.PlaneType)
	query.Set("planeID", t.cfg.PlaneID)
	u.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string)

	if t.cfg.TLSEnabled {
		dialer.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{t.clientCert},
			RootCAs:      t.serverCA,
			MinVersion:   tls.VersionTLS12,
		}
		token, err := IdentityToken(t.clientCert, t.cfg.PlaneType, t.cfg.PlaneID, t.cfg.IdentityTTL)
		if err != nil {
			return nil, fmt.Errorf("mint identity token: %w", err)
		}
		header["Authorization"] = []string{"Bearer " + token}
	} else {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, //nolint:gosec // TLS intentionally disabled via config
		}
	}

	logger.Info("connecting to control service", "url", u.String())
	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	logger.Info("connected to control service")
	return conn, nil
}

// readLoop dispatches every inbound envelope: a status push feeds
// ClusterStatusFSM.StatusUpdate, while anything carrying a RequestID is
// routed to client as the ack for a previously sent node-state report.
// Returns once the connection errors or closes.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, client *wsControlClient) {
	logger := FromContext(ctx)

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("websocket error", "error", err)
			} else {
				logger.Debug("connection closed", "error", err)
			}
			return
		}

		var envelope messaging.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			logger.Warn("failed to parse envelope", "error", err)
			continue
		}

		if envelope.RequestID != "" {
			var ack messaging.AckPayload
			if err := json.Unmarshal(envelope.Payload, &ack); err != nil {
				logger.Warn("failed to parse ack payload", "error", err, "requestID", envelope.RequestID)
				continue
			}
			client.deliverAck(envelope.RequestID, ack)
			continue
		}

		switch envelope.Kind {
		case messaging.KindStatus:
			var status messaging.StatusPayload
			if err := json.Unmarshal(envelope.Payload, &status); err != nil {
				logger.Warn("failed to parse status payload", "error", err)
				continue
			}
			t.fsm.StatusUpdate(ctx, messaging.DeploymentFromDTO(status.Configuration), messaging.StateFromDTO(status.ClusterState))
		default:
			logger.Warn("unknown envelope kind", "kind", envelope.Kind)
		}
	}
}
