package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// CallMethod is the JSON-RPC method a tool gateway serves
const CallMethod = "tools.call"

// ErrConnectionClosed is returned for calls pending when the connection drops
var ErrConnectionClosed = errors.New("tool gateway connection closed")

// RPCRequest is a JSON-RPC 2.0 request sent to the tool gateway
type RPCRequest struct {
	ID      string     `json:"id"`
	Method  string     `json:"method"`
	Params  CallParams `json:"params"`
	JSONRPC string     `json:"jsonrpc"`
}

// CallParams are the params of a tools.call request
type CallParams struct {
	Provider string          `json:"provider"`
	Tool     string          `json:"tool"`
	Payload  json.RawMessage `json:"payload"`
	Identity string          `json:"identity"`
}

// RPCResponse is a JSON-RPC 2.0 response from the tool gateway
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  *Response `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// WebSocketConfig configures a WebSocketInvoker
type WebSocketConfig struct {
	URL     string
	Header  http.Header
	Timeout time.Duration
	Logger  zerolog.Logger
}

// WebSocketInvoker calls tools through a remote gateway over one multiplexed websocket.
// The connection is dialled lazily and re-dialled after it drops.
type WebSocketInvoker struct {
	url     string
	header  http.Header
	timeout time.Duration
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[string]chan RPCResponse
}

var _ Invoker = (*WebSocketInvoker)(nil)

// NewWebSocketInvoker creates an invoker for the gateway at cfg.URL
func NewWebSocketInvoker(cfg WebSocketConfig) (*WebSocketInvoker, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebSocketInvoker{
		url:     cfg.URL,
		header:  cfg.Header,
		timeout: timeout,
		logger:  cfg.Logger,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan RPCResponse),
	}, nil
}

// Call implements Invoker
func (w *WebSocketInvoker) Call(ctx context.Context, provider, tool string, payload json.RawMessage, identity string) (Response, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	conn, err := w.connection(ctx)
	if err != nil {
		return Response{}, err
	}

	w.mu.Lock()
	w.nextID++
	id := strconv.FormatInt(w.nextID, 10)
	ch := make(chan RPCResponse, 1)
	w.pending[id] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	req := RPCRequest{
		ID:      id,
		Method:  CallMethod,
		JSONRPC: "2.0",
		Params:  CallParams{Provider: provider, Tool: tool, Payload: payload, Identity: identity},
	}

	w.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.timeout))
	err = conn.WriteJSON(req)
	w.writeMu.Unlock()
	if err != nil {
		w.drop(conn, err)
		return Response{}, fmt.Errorf("failed to send tool call: %w", err)
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrConnectionClosed
		}
		if resp.Error != nil {
			return Response{}, resp.Error
		}
		if resp.Result == nil {
			return Response{}, fmt.Errorf("tool gateway returned an empty result for %s.%s", provider, tool)
		}
		return *resp.Result, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
		return Response{}, fmt.Errorf("tool gateway timeout after %v", w.timeout)
	}
}

// Close closes the connection and fails pending calls
func (w *WebSocketInvoker) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.drop(conn, nil)
	return nil
}

func (w *WebSocketInvoker) connection(ctx context.Context) (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return w.conn, nil
	}

	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial tool gateway: %w", err)
	}
	w.conn = conn

	w.logger.Debug().Str("url", w.url).Msg("Connected to tool gateway")

	go w.readLoop(conn)

	return conn, nil
}

func (w *WebSocketInvoker) readLoop(conn *websocket.Conn) {
	for {
		var resp RPCResponse
		if err := conn.ReadJSON(&resp); err != nil {
			w.drop(conn, err)
			return
		}

		w.mu.Lock()
		ch, ok := w.pending[resp.ID]
		if ok {
			delete(w.pending, resp.ID)
		}
		w.mu.Unlock()

		if !ok {
			w.logger.Warn().Str("id", resp.ID).Msg("Dropping response for unknown call")
			continue
		}
		ch <- resp
	}
}

// drop forgets conn and closes every pending call channel
func (w *WebSocketInvoker) drop(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	pending := w.pending
	w.pending = make(map[string]chan RPCResponse)
	w.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}

	if cause != nil {
		w.logger.Warn().Err(cause).Str("url", w.url).Msg("Tool gateway connection dropped")
	}
}
