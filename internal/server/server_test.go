package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virelabs/toolhost/internal/builtin"
	"github.com/virelabs/toolhost/internal/catalog"
	"github.com/virelabs/toolhost/internal/config"
	"github.com/virelabs/toolhost/internal/dispatch"
	"github.com/virelabs/toolhost/internal/plugin"
	"github.com/virelabs/toolhost/internal/plugin/plugintest"
	"github.com/virelabs/toolhost/internal/server"
)

func testLogger() *slog.Logger {
	return config.NopLogger()
}

// newTestServer wires a full host around in-memory plugin fakes. Each
// scripted handle backs one successful plugin launch, in order.
func newTestServer(t *testing.T, handles ...*plugintest.Handle) *httptest.Server {
	t.Helper()

	log := testLogger()
	registry := plugin.NewRegistry()
	prov := plugin.NewProvisioner(log, registry, &plugintest.Runtime{}, &plugintest.Launcher{
		Handles: handles,
	})
	set := builtin.NewSet()

	srv := server.New("", prov, registry,
		catalog.New(set, registry), dispatch.New(log, set, registry), log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func TestPluginLifecycle(t *testing.T) {
	ts := newTestServer(t, plugintest.NewHandle(plugintest.EchoResponder))

	resp := postJSON(t, ts.URL+"/v1/plugins", map[string]any{
		"name":  "vault",
		"image": "vault:latest",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "vault", body["name"])
	require.Equal(t, "running", body["status"])

	resp, err := http.Get(ts.URL + "/v1/plugins")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decodeBody(t, resp)
	require.EqualValues(t, 1, list["count"])

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/plugins/vault", nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/plugins/vault")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPluginAdd_DuplicateConflict(t *testing.T) {
	ts := newTestServer(t,
		plugintest.NewHandle(plugintest.EchoResponder),
		plugintest.NewHandle(plugintest.EchoResponder))

	resp := postJSON(t, ts.URL+"/v1/plugins", map[string]any{"name": "vault", "image": "vault:1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/plugins", map[string]any{"name": "vault", "image": "vault:2"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestPluginAdd_ValidatesBody(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/plugins", map[string]any{"name": "vault"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPluginAdd_DiscoveryFailureSurfaces(t *testing.T) {
	handle := plugintest.NewHandle(func(id, _ string, _ json.RawMessage) string {
		return fmt.Sprintf(`{"id":%q,"error":{"message":"not ready"}}`, id)
	})
	ts := newTestServer(t, handle)

	resp := postJSON(t, ts.URL+"/v1/plugins", map[string]any{"name": "vault", "image": "vault:1"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()

	// The failed record remains visible for inspection.
	resp, err := http.Get(ts.URL + "/v1/plugins/vault")
	require.NoError(t, err)

	body := decodeBody(t, resp)
	require.Equal(t, "failed", body["status"])
	require.Contains(t, body["lastError"], "not ready")
}

func TestToolListAndCall(t *testing.T) {
	ts := newTestServer(t, plugintest.NewHandle(plugintest.EchoResponder))

	resp := postJSON(t, ts.URL+"/v1/plugins", map[string]any{"name": "vault", "image": "vault:1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/tools")
	require.NoError(t, err)

	tools := decodeBody(t, resp)
	require.EqualValues(t, 1, tools["count"])

	entries := tools["tools"].([]any)
	require.Equal(t, "vault__echo", entries[0].(map[string]any)["name"])

	resp = postJSON(t, ts.URL+"/v1/tools/call", map[string]any{
		"name":      "vault__echo",
		"arguments": map[string]any{"text": "hello"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeBody(t, resp)
	content := result["content"].([]any)
	require.Equal(t, "hello", content[0].(map[string]any)["text"])
}

func TestToolCall_UnknownNameIsErrorResult(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tools/call", map[string]any{"name": "nope"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeBody(t, resp)
	require.Equal(t, true, result["isError"])
}
