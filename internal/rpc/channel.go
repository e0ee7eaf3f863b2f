package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/virelabs/toolhost/internal/config"
	"github.com/virelabs/toolhost/internal/errors"
)

// DefaultCallTimeout is the fixed per-call deadline. A call with no
// matching response within this window is abandoned; a response arriving
// later is discarded as stale.
const DefaultCallTimeout = 30 * time.Second

// Transport is the stream pair for exactly one plugin process.
//
// This interface is satisfied by subprocess.Process but allows for testing
// with mock transports.
type Transport interface {
	// ReadLines returns one channel of raw output lines and one of fatal
	// stream errors. Both are closed when the stream ends.
	ReadLines(ctx context.Context) (<-chan []byte, <-chan error)

	// WriteLine writes one line to the process's input stream. The
	// newline delimiter is appended by the transport.
	WriteLine(ctx context.Context, data []byte) error
}

// Channel turns one plugin's unreliable line-oriented stdio into reliable
// call/response pairs.
//
// The Channel handles:
//   - Sending requests with unique correlation ids
//   - Routing response lines to the waiting call, strictly by id
//   - Per-call timeout enforcement
//   - Discarding incidental non-JSON output and stale response ids
//   - Rejecting every outstanding call exactly once when the stream closes
//
// The Channel must be started with Start() before use and manages its own
// goroutine for reading and routing lines.
type Channel struct {
	log       *slog.Logger
	plugin    string
	transport Transport

	callTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	// Lifecycle management
	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.RWMutex
	closeErr  error
	wg        sync.WaitGroup
}

// pendingCall tracks an outgoing request awaiting its response.
type pendingCall struct {
	method    string
	outcome   chan callOutcome
	createdAt time.Time
}

// callOutcome is the one-shot resolution of a pendingCall.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// wireRequest is one request line on the plugin's stdin.
type wireRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// wireResponse is one response line on the plugin's stdout. Exactly one
// of Result or Error is set in a well-formed response.
type wireResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// ResponseError is an error payload returned by a plugin for one call.
// The payload is opaque: objects with a "message" field render that
// message, anything else renders as raw JSON.
type ResponseError struct {
	Raw json.RawMessage
}

func (e *ResponseError) Error() string {
	var obj struct {
		Message string `json:"message"`
	}

	if err := json.Unmarshal(e.Raw, &obj); err == nil && obj.Message != "" {
		return "plugin error: " + obj.Message
	}

	return "plugin error: " + string(e.Raw)
}

// Option configures a Channel during construction.
type Option func(*Channel)

// WithCallTimeout overrides the fixed per-call deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.callTimeout = d
	}
}

// New creates a channel for the named plugin over the given transport.
//
// The logger will receive debug, info, and warn messages during channel
// operations. The transport must be connected before calling Start().
func New(log *slog.Logger, plugin string, transport Transport, opts ...Option) *Channel {
	c := &Channel{
		log:         log.With("component", "rpc_channel", "plugin", plugin),
		plugin:      plugin,
		transport:   transport,
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]*pendingCall, 10),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins reading lines from the transport and routing responses.
//
// Start must be called before Call.
func (c *Channel) Start(ctx context.Context) {
	lines, errs := c.transport.ReadLines(ctx)

	c.wg.Add(1)

	go c.readLoop(lines, errs)

	c.log.Debug("Channel started")
}

// Close shuts down the channel and rejects all outstanding calls. It is
// safe to call Close multiple times or concurrently with a stream close.
func (c *Channel) Close() {
	c.closeWith(&errors.ChannelClosedError{Plugin: c.plugin})
	c.wg.Wait()
}

// Done returns a channel that is closed when the stream closes or Close
// is called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns the error the channel closed with, or nil while
// the channel is still open.
func (c *Channel) CloseReason() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.closeErr
}

// Call sends one request line and blocks until the matching response
// arrives, the per-call timeout fires, the channel closes, or the context
// is cancelled. Many calls may be outstanding at once; responses may
// arrive in any order and are matched strictly by id.
func (c *Channel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.closedError()
	default:
	}

	// Fresh id, monotone for the channel's lifetime, never reused while
	// a call with that id is still pending.
	id := ulid.Make().String()

	pending := &pendingCall{
		method:    method,
		outcome:   make(chan callOutcome, 1),
		createdAt: time.Now(),
	}

	c.pendingMu.Lock()
	c.pending[id] = pending
	c.pendingMu.Unlock()

	data, err := json.Marshal(wireRequest{ID: id, Method: method, Params: params})
	if err != nil {
		c.abandon(id)

		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.log.Debug("Sending request", "id", id, "method", method)
	c.log.Log(ctx, config.LevelTrace, "Wire send", "line", string(data))

	if err := c.transport.WriteLine(ctx, data); err != nil {
		c.abandon(id)

		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case out := <-pending.outcome:
		return out.result, out.err

	case <-timer.C:
		if c.abandon(id) {
			c.log.Warn("Call timed out", "id", id, "method", method, "timeout", c.callTimeout)

			return nil, &errors.TimeoutError{Method: method}
		}

		// A response claimed the call between the timer firing and the
		// abandon attempt; the response wins.
		out := <-pending.outcome

		return out.result, out.err

	case <-c.done:
		if c.abandon(id) {
			return nil, c.closedError()
		}

		out := <-pending.outcome

		return out.result, out.err

	case <-ctx.Done():
		if c.abandon(id) {
			c.log.Debug("Call cancelled", "id", id, "method", method)

			return nil, ctx.Err()
		}

		out := <-pending.outcome

		return out.result, out.err
	}
}

// abandon removes a pending call from the map. It reports false when a
// response (or channel close) already claimed the call, in which case its
// outcome channel is guaranteed to hold a value.
func (c *Channel) abandon(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}

	delete(c.pending, id)

	return true
}

// readLoop consumes output lines until the stream ends.
func (c *Channel) readLoop(lines <-chan []byte, errs <-chan error) {
	defer c.wg.Done()
	defer c.log.Debug("Channel read loop stopped")

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				c.closeWith(&errors.ChannelClosedError{Plugin: c.plugin})

				return
			}

			c.handleLine(line)

		case err, ok := <-errs:
			if !ok {
				c.closeWith(&errors.ChannelClosedError{Plugin: c.plugin})

				return
			}

			if err != nil {
				c.log.Debug("Transport error on channel", "error", err)
				c.closeWith(&errors.ChannelClosedError{Plugin: c.plugin, Err: err})

				return
			}

		case <-c.done:
			// The transport's reader may be blocked sending a line with
			// no receiver left; keep draining until its streams close so
			// it can finish and reap the process.
			go drainTransport(lines, errs)

			return
		}
	}
}

// drainTransport discards remaining transport output after the channel
// has closed. It returns once both streams are closed.
func drainTransport(lines <-chan []byte, errs <-chan error) {
	for lines != nil || errs != nil {
		select {
		case _, ok := <-lines:
			if !ok {
				lines = nil
			}

		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

// handleLine routes one output line. Non-JSON lines are incidental plugin
// logging, never protocol errors. JSON lines whose id has no pending call
// (unknown, or already timed out) are discarded as stale.
func (c *Channel) handleLine(line []byte) {
	c.log.Log(context.Background(), config.LevelTrace, "Wire receive", "line", string(line))

	var resp wireResponse

	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == "" {
		c.log.Debug("Ignoring non-protocol line", "line", string(line))

		return
	}

	out := callOutcome{}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		out.err = &ResponseError{Raw: resp.Error}
	} else {
		out.result = resp.Result
	}

	// Claim and resolve under the lock so abandonment paths can rely on
	// "absent from map" implying "outcome already delivered".
	c.pendingMu.Lock()

	pending, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		pending.outcome <- out
	}

	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("Discarding response with no pending call", "id", resp.ID)

		return
	}

	c.log.Debug("Resolved call", "id", resp.ID, "is_error", out.err != nil)
}

// closeWith stores the close reason, broadcasts via done, and rejects
// every outstanding call exactly once.
func (c *Channel) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		close(c.done)

		c.pendingMu.Lock()

		for id, pending := range c.pending {
			delete(c.pending, id)
			pending.outcome <- callOutcome{err: err}
		}

		c.pendingMu.Unlock()

		c.log.Debug("Channel closed", "reason", err)
	})
}

// closedError returns the stored close reason for callers arriving after
// the channel closed.
func (c *Channel) closedError() error {
	if err := c.CloseReason(); err != nil {
		return err
	}

	return &errors.ChannelClosedError{Plugin: c.plugin}
}
