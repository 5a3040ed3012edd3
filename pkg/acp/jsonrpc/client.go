// Package jsonrpc implements a minimal JSON-RPC 2.0 client over a pair of
// byte streams, the transport pkg/acp/protocol messages ride on when an
// agent speaks the structured ACP protocol instead of raw terminal I/O.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
)

// Client multiplexes JSON-RPC 2.0 calls, notifications, and inbound
// agent requests over one stdin/stdout pair per ACP session.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	nextID  atomic.Int64
	pending map[interface{}]chan *Response
	mu      sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger *logger.Logger
	closed chan struct{}
}

// NewClient wraps an agent's stdin/stdout pair for JSON-RPC framing.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "acp-jsonrpc-client")),
		closed:  make(chan struct{}),
	}
}

// SetNotificationHandler registers the callback for inbound notifications
// (e.g. session/update).
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler registers the callback for inbound agent-to-client
// requests (e.g. session/request_permission). The handler must eventually
// call SendResponse with the same id.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SendResponse replies to an inbound request by id.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal response result: %w", err)
		}
		resultJSON = encoded
	}
	return c.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON, Error: rpcErr})
}

// Start launches the background read loop; it returns immediately.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop signals the read loop to exit and unblocks any pending Call.
func (c *Client) Stop() {
	close(c.closed)
}

// Call sends a request and blocks for its matching response, ctx
// cancellation, or client shutdown, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.nextID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("jsonrpc client closed")
	}
}

// Notify sends a fire-and-forget request with no id.
func (c *Client) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return encoded, nil
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	c.logger.Debug("sent message", zap.String("data", string(data)))
	return nil
}

// frame is the superset of fields a JSON-RPC 2.0 line may carry; which
// are present decides whether it's a response, an inbound request, or a
// notification.
type frame struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`
}

func (f frame) kind() string {
	switch {
	case f.ID != nil && f.Method == "" && (f.Result != nil || f.Error != nil):
		return "response"
	case f.ID != nil && f.Method != "":
		return "request"
	case f.Method != "" && f.ID == nil:
		return "notification"
	default:
		return "unknown"
	}
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.logger.Debug("received message", zap.String("data", string(line)))

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err), zap.String("data", string(line)))
			continue
		}

		switch f.kind() {
		case "response":
			c.handleResponse(&Response{JSONRPC: "2.0", ID: f.ID, Result: f.Result, Error: f.Error})
		case "request":
			c.handleRequest(f.ID, f.Method, f.Params)
		case "notification":
			c.handleNotification(&Notification{JSONRPC: "2.0", Method: f.Method, Params: f.Params})
		default:
			c.logger.Warn("received unrecognized message shape", zap.String("data", string(line)))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

// normalizeID folds a JSON-decoded id (always float64 for numbers) back
// to the int64 form Call registers pending requests under.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleNotification(notif *Notification) {
	if c.onNotification != nil {
		c.onNotification(notif.Method, notif.Params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.Any("id", id), zap.String("method", method))
	_ = c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "method not found"})
}
