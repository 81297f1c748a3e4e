package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CompanionDialer opens WebSocket connections to the desktop companion app.
type CompanionDialer struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewCompanionDialer creates a dialer for url. An empty url yields a dialer
// whose Connect always fails with ErrCompanionNotConfigured.
func NewCompanionDialer(url string, header http.Header, logger zerolog.Logger) *CompanionDialer {
	return &CompanionDialer{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With().Str("component", "companion").Logger(),
	}
}

// Connect dials the companion.
func (d *CompanionDialer) Connect(ctx context.Context) (*CompanionConn, error) {
	if d == nil || d.url == "" {
		return nil, ErrCompanionNotConfigured
	}
	conn, _, err := d.dialer.DialContext(ctx, d.url, d.header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to companion: %w", err)
	}
	d.logger.Debug().Str("url", d.url).Msg("Connected to companion")
	return &CompanionConn{conn: conn}, nil
}

type companionRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type companionResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CompanionConn is a JSON-RPC session with the companion. Calls are serialized.
type CompanionConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	seq  uint64
}

// Call sends method with params and waits for the matching response.
// Messages with other IDs are discarded.
func (c *CompanionConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := c.seq

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(companionRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("failed to send companion request: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var resp companionResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("failed to read companion response: %w", err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("companion error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// Close closes the connection.
func (c *CompanionConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
