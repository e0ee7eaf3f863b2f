package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virelabs/toolhost/internal/config"
	"github.com/virelabs/toolhost/internal/errors"
)

func testLogger() *slog.Logger {
	return config.NopLogger()
}

// fakeHandle is an in-memory ProcessHandle whose responder scripts the
// plugin side of the wire protocol.
type fakeHandle struct {
	lines chan []byte
	errs  chan error

	// respond returns the raw line the fake plugin writes back, or ""
	// for no response.
	respond func(id, method string, params json.RawMessage) string

	mu     sync.Mutex
	closed bool
}

func newFakeHandle(respond func(id, method string, params json.RawMessage) string) *fakeHandle {
	return &fakeHandle{
		lines:   make(chan []byte, 16),
		errs:    make(chan error, 1),
		respond: respond,
	}
}

func (h *fakeHandle) ReadLines(_ context.Context) (<-chan []byte, <-chan error) {
	return h.lines, h.errs
}

func (h *fakeHandle) WriteLine(_ context.Context, data []byte) error {
	var req struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	if h.respond != nil {
		if line := h.respond(req.ID, req.Method, req.Params); line != "" {
			h.lines <- []byte(line)
		}
	}

	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// closeStream simulates the plugin process exiting.
func (h *fakeHandle) closeStream() {
	close(h.lines)
	close(h.errs)
}

func (h *fakeHandle) Pid() int { return 4242 }

// echoResponder answers list_tools with a single "echo" tool.
func echoResponder(id, method string, _ json.RawMessage) string {
	if method == "list_tools" {
		return fmt.Sprintf(
			`{"id":%q,"result":{"tools":[{"name":"echo","description":"echoes text","inputSchema":{"type":"object"}}]}}`,
			id,
		)
	}

	return ""
}

type fakeRuntime struct {
	pullErr error

	mu     sync.Mutex
	pulled []string
	gotEnv map[string]string
}

func (r *fakeRuntime) Pull(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pulled = append(r.pulled, image)

	return r.pullErr
}

func (r *fakeRuntime) RunCommand(image string, env map[string]string) (string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gotEnv = env

	return "docker", []string{"run", "--rm", "-i", image}
}

type fakeLauncher struct {
	handle *fakeHandle
	err    error

	mu       sync.Mutex
	launched bool
}

func (l *fakeLauncher) Launch(_ string, _ []string) (ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launched = true

	if l.err != nil {
		return nil, l.err
	}

	return l.handle, nil
}

func (l *fakeLauncher) wasLaunched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.launched
}

func newTestProvisioner(runtime *fakeRuntime, launcher *fakeLauncher) (*Provisioner, *Registry) {
	registry := NewRegistry()
	prov := NewProvisioner(testLogger(), registry, runtime, launcher)
	prov.lookupEnv = func(string) (string, bool) { return "", false }

	return prov, registry
}

func TestProvisioner_Provision_Success(t *testing.T) {
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: newFakeHandle(echoResponder)}
	prov, registry := newTestProvisioner(runtime, launcher)

	snap, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)
	require.NoError(t, err)

	require.Equal(t, StatusRunning, snap.Status)
	require.Len(t, snap.Tools, 1)
	require.Equal(t, "echo", snap.Tools[0].Name)
	require.JSONEq(t, `{"type":"object"}`, string(snap.Tools[0].InputSchema))

	require.Equal(t, []string{"demo:latest"}, runtime.pulled)

	stored, err := registry.Get("demo")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, stored.Status)
}

func TestProvisioner_Provision_DuplicateRejected(t *testing.T) {
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: newFakeHandle(echoResponder)}
	prov, registry := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)
	require.NoError(t, err)

	_, err = prov.Provision(context.Background(), "demo", "demo:v2", nil)

	var dup *errors.DuplicateError

	require.ErrorAs(t, err, &dup)

	// The existing record must be unchanged.
	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Equal(t, "demo:latest", snap.Image)
	require.Equal(t, StatusRunning, snap.Status)
}

func TestProvisioner_Provision_PullFailure(t *testing.T) {
	runtime := &fakeRuntime{pullErr: fmt.Errorf("pull failed with code 1")}
	launcher := &fakeLauncher{handle: newFakeHandle(echoResponder)}
	prov, registry := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)

	var provErr *errors.ProvisioningError

	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "pull", provErr.Stage)
	require.ErrorContains(t, err, "pull failed with code 1")

	// The plugin process is never spawned on a failed pull.
	require.False(t, launcher.wasLaunched())

	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Equal(t, StatusFailed, snap.Status)
	require.Contains(t, snap.LastError, "pull failed with code 1")
}

func TestProvisioner_Provision_LaunchFailure(t *testing.T) {
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{err: fmt.Errorf("executable not found")}
	prov, registry := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)

	var provErr *errors.ProvisioningError

	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "launch", provErr.Stage)

	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Equal(t, StatusFailed, snap.Status)
}

func TestProvisioner_Provision_DiscoveryError_ProcessLeftRunning(t *testing.T) {
	handle := newFakeHandle(func(id, method string, _ json.RawMessage) string {
		return fmt.Sprintf(`{"id":%q,"error":{"message":"not ready"}}`, id)
	})
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: handle}
	prov, registry := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)

	var discErr *errors.DiscoveryError

	require.ErrorAs(t, err, &discErr)

	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Equal(t, StatusFailed, snap.Status)
	require.Contains(t, snap.LastError, "not ready")

	// A live undiscovered process is distinguishable from a crashed one.
	require.False(t, handle.isClosed())
}

func TestProvisioner_Provision_MalformedDiscoveryResponse(t *testing.T) {
	handle := newFakeHandle(func(id, method string, _ json.RawMessage) string {
		return fmt.Sprintf(`{"id":%q,"result":"not a tool list"}`, id)
	})
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: handle}
	prov, registry := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)

	var discErr *errors.DiscoveryError

	require.ErrorAs(t, err, &discErr)
	require.ErrorContains(t, err, "malformed list_tools response")

	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Equal(t, StatusFailed, snap.Status)
}

func TestProvisioner_StreamClosesRightAfterDiscovery_StaysFailed(t *testing.T) {
	// The plugin answers list_tools and dies immediately. The responder
	// holds the provision goroutine inside its write until the close has
	// been observed, so the Failed transition deterministically lands
	// before the discovery result is recorded.
	handle := newFakeHandle(nil)
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: handle}
	prov, registry := newTestProvisioner(runtime, launcher)

	handle.respond = func(id, _ string, _ json.RawMessage) string {
		handle.lines <- []byte(fmt.Sprintf(
			`{"id":%q,"result":{"tools":[{"name":"echo","description":"echoes text","inputSchema":{"type":"object"}}]}}`,
			id,
		))
		handle.closeStream()

		require.Eventually(t, func() bool {
			snap, err := registry.Get("demo")

			return err == nil && snap.Status == StatusFailed
		}, 2*time.Second, time.Millisecond)

		return ""
	}

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)

	var discErr *errors.DiscoveryError

	require.ErrorAs(t, err, &discErr)

	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Equal(t, StatusFailed, snap.Status)
	require.Empty(t, snap.Tools)
}

func TestProvisioner_ChannelClose_MarksFailed(t *testing.T) {
	handle := newFakeHandle(echoResponder)
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: handle}
	prov, registry := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)
	require.NoError(t, err)

	handle.closeStream()

	require.Eventually(t, func() bool {
		snap, getErr := registry.Get("demo")

		return getErr == nil && snap.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	snap, getErr := registry.Get("demo")
	require.NoError(t, getErr)
	require.Contains(t, snap.LastError, "channel closed")
}

func TestProvisioner_Provision_MergesAliasEnv(t *testing.T) {
	runtime := &fakeRuntime{}
	launcher := &fakeLauncher{handle: newFakeHandle(echoResponder)}
	prov, _ := newTestProvisioner(runtime, launcher)
	prov.lookupEnv = func(key string) (string, bool) {
		if key == "LLM_API_KEY" {
			return "sk-host", true
		}

		return "", false
	}

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", map[string]string{
		"OPENAI_API_KEY": "sk-caller",
		"DEBUG":          "1",
	})
	require.NoError(t, err)

	require.Equal(t, map[string]string{
		"OPENAI_API_KEY": "sk-caller",
		"DEBUG":          "1",
	}, runtime.gotEnv)
}

func TestProvisioner_RemoveThenReprovision(t *testing.T) {
	runtime := &fakeRuntime{pullErr: fmt.Errorf("pull failed with code 1")}
	launcher := &fakeLauncher{handle: newFakeHandle(echoResponder)}
	prov, _ := newTestProvisioner(runtime, launcher)

	_, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)
	require.Error(t, err)

	// Same name stays rejected until the stale record is removed.
	_, err = prov.Provision(context.Background(), "demo", "demo:latest", nil)

	var dup *errors.DuplicateError

	require.ErrorAs(t, err, &dup)

	require.NoError(t, prov.Remove("demo"))

	runtime.pullErr = nil

	snap, err := prov.Provision(context.Background(), "demo", "demo:latest", nil)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, snap.Status)
}
