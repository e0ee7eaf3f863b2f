// Package plugintest provides in-memory plugin process fakes for tests
// of packages built on top of the plugin registry.
package plugintest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/virelabs/toolhost/internal/plugin"
)

// Handle is an in-memory ProcessHandle. Respond scripts the plugin side
// of the wire protocol: it receives each decoded request and returns the
// raw line the fake plugin writes back, or "" for no response.
type Handle struct {
	Respond func(id, method string, params json.RawMessage) string

	lines chan []byte
	errs  chan error

	mu     sync.Mutex
	closed bool
}

// NewHandle creates a handle driven by respond.
func NewHandle(respond func(id, method string, params json.RawMessage) string) *Handle {
	return &Handle{
		Respond: respond,
		lines:   make(chan []byte, 16),
		errs:    make(chan error, 1),
	}
}

// ReadLines implements rpc.Transport.
func (h *Handle) ReadLines(_ context.Context) (<-chan []byte, <-chan error) {
	return h.lines, h.errs
}

// WriteLine implements rpc.Transport by feeding the request to Respond.
func (h *Handle) WriteLine(_ context.Context, data []byte) error {
	var req struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	if h.Respond != nil {
		if line := h.Respond(req.ID, req.Method, req.Params); line != "" {
			h.lines <- []byte(line)
		}
	}

	return nil
}

// Close implements ProcessHandle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// CloseStream simulates the plugin process exiting.
func (h *Handle) CloseStream() {
	close(h.lines)
	close(h.errs)
}

// Pid implements ProcessHandle.
func (h *Handle) Pid() int { return 4242 }

// EchoResponder answers list_tools with a single "echo" tool and echoes
// the text argument of each call_tool back as a text result.
func EchoResponder(id, method string, params json.RawMessage) string {
	switch method {
	case "list_tools":
		return fmt.Sprintf(
			`{"id":%q,"result":{"tools":[{"name":"echo","description":"echoes text","inputSchema":{"type":"object"}}]}}`,
			id,
		)
	case "call_tool":
		var call struct {
			Args struct {
				Text string `json:"text"`
			} `json:"args"`
		}

		_ = json.Unmarshal(params, &call)

		return fmt.Sprintf(
			`{"id":%q,"result":{"content":[{"type":"text","text":%q}]}}`,
			id, call.Args.Text,
		)
	}

	return ""
}

// Runtime is a scripted container runtime.
type Runtime struct {
	PullErr error

	mu     sync.Mutex
	pulled []string
}

// Pull records the image and returns PullErr.
func (r *Runtime) Pull(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pulled = append(r.pulled, image)

	return r.PullErr
}

// RunCommand returns a fixed docker run invocation.
func (r *Runtime) RunCommand(image string, _ map[string]string) (string, []string) {
	return "docker", []string{"run", "--rm", "-i", image}
}

// Pulled returns the images pulled so far.
func (r *Runtime) Pulled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.pulled...)
}

// Launcher hands out pre-built handles keyed by launch order.
type Launcher struct {
	Handles []*Handle
	Err     error

	mu   sync.Mutex
	next int
}

// Launch implements plugin.Launcher.
func (l *Launcher) Launch(_ string, _ []string) (plugin.ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}

	if l.next >= len(l.Handles) {
		return nil, fmt.Errorf("no handle scripted for launch %d", l.next)
	}

	h := l.Handles[l.next]
	l.next++

	return h, nil
}
