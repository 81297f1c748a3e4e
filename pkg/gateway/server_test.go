package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/mudra/pkg/history"
	"github.com/harun/mudra/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu      sync.Mutex
	calls   []string
	events  *plugin.EventEmitter
	configs map[string]json.RawMessage
	routers map[string]http.Handler
}

func newFakeService() *fakeService {
	return &fakeService{
		events:  plugin.NewEventEmitter(),
		configs: map[string]json.RawMessage{"hue": json.RawMessage(`{"bridgeIp":"10.0.0.2"}`)},
		routers: map[string]http.Handler{
			"hue": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "hue:"+r.URL.Path)
			}),
		},
	}
}

func (f *fakeService) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeService) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) ListManifests() []plugin.ManifestInfo {
	return []plugin.ManifestInfo{{ID: "hue", Version: "1.0.0", Author: "a", Status: plugin.StatusEnabled}}
}

func (f *fakeService) GetGlobalConfig(_ context.Context, id string) (json.RawMessage, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", id, plugin.ErrPluginNotFound)
	}
	return cfg, nil
}

func (f *fakeService) PatchGlobalConfig(_ context.Context, id string, patch json.RawMessage) plugin.ConfigPatchResult {
	f.record("patch:" + id + ":" + string(patch))
	return plugin.ConfigPatchResult{Success: true, Config: patch}
}

func (f *fakeService) TestConnection(_ context.Context, id string, _ json.RawMessage) plugin.ConnectionTestResult {
	f.record("test:" + id)
	return plugin.ConnectionTestResult{Success: true, Message: "Connected"}
}

func (f *fakeService) Install(_ context.Context, url string) plugin.OperationResult {
	f.record("install:" + url)
	return plugin.OperationResult{Success: true, Message: "installed"}
}

func (f *fakeService) Uninstall(_ context.Context, id string) plugin.OperationResult {
	f.record("uninstall:" + id)
	return plugin.OperationResult{Success: true}
}

func (f *fakeService) SetState(_ context.Context, id string, state plugin.Status) plugin.OperationResult {
	f.record("setState:" + id + ":" + string(state))
	return plugin.OperationResult{Success: true}
}

func (f *fakeService) Dispatch(_ context.Context, cfg *plugin.ActionConfig, details plugin.ActionDetails) plugin.ActionResult {
	if cfg == nil {
		return plugin.ActionResult{Success: true, Message: "No action configured"}
	}
	return plugin.ActionResult{Success: true, Message: cfg.PluginID + ":" + details.GestureName}
}

func (f *fakeService) PluginRouter(id string) (http.Handler, bool) {
	h, ok := f.routers[id]
	return h, ok
}

func (f *fakeService) Events() *plugin.EventEmitter {
	return f.events
}

type fakeHistory struct {
	last history.Query
	err  error
}

func (h *fakeHistory) Recent(_ context.Context, q history.Query) ([]plugin.DispatchRecord, error) {
	h.last = q
	if h.err != nil {
		return nil, h.err
	}
	return []plugin.DispatchRecord{{ID: "r1", PluginID: "hue", GestureName: "pinch", Success: true}}, nil
}

type rpcReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Plugins == nil {
		cfg.Plugins = newFakeService()
	}
	cfg.Logger = zerolog.Nop()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postRPC(t *testing.T, ts *httptest.Server, token, body string) (*http.Response, rpcReply) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpcReply
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(data, &reply))
	}
	return resp, reply
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: -1, Plugins: newFakeService()})
	assert.Error(t, err)
	_, err = NewServer(Config{Port: 7420})
	assert.Error(t, err)
}

func TestServer_Methods(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	assert.Equal(t, []string{
		"actions.dispatch",
		"gateway.clients",
		"plugins.config.get",
		"plugins.config.patch",
		"plugins.install",
		"plugins.list",
		"plugins.setState",
		"plugins.testConnection",
		"plugins.uninstall",
	}, s.Methods())

	withHistory, _ := newTestServer(t, Config{History: &fakeHistory{}})
	assert.Contains(t, withHistory.Methods(), "history.recent")
}

func TestServer_HTTPRPC(t *testing.T) {
	fake := newFakeService()
	hist := &fakeHistory{}
	_, ts := newTestServer(t, Config{SharedSecret: "s3cret", Plugins: fake, History: hist})

	t.Run("unauthorized", func(t *testing.T) {
		resp, _ := postRPC(t, ts, "", `{"id":"1","method":"plugins.list"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/rpc", nil)
		req.Header.Set(TokenHeader, "s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("parse error", func(t *testing.T) {
		resp, reply := postRPC(t, ts, "s3cret", `{nope`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.NotNil(t, reply.Error)
		assert.Equal(t, ParseError, reply.Error.Code)
	})

	t.Run("plugins.list", func(t *testing.T) {
		resp, reply := postRPC(t, ts, "s3cret", `{"id":"1","method":"plugins.list"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Nil(t, reply.Error)
		var out struct {
			Plugins []plugin.ManifestInfo `json:"plugins"`
		}
		require.NoError(t, json.Unmarshal(reply.Result, &out))
		require.Len(t, out.Plugins, 1)
		assert.Equal(t, "hue", out.Plugins[0].ID)
		assert.Equal(t, plugin.StatusEnabled, out.Plugins[0].Status)
	})

	t.Run("plugins.config.get", func(t *testing.T) {
		_, reply := postRPC(t, ts, "s3cret", `{"id":"2","method":"plugins.config.get","params":{"pluginId":"hue"}}`)
		require.Nil(t, reply.Error)
		assert.JSONEq(t, `{"pluginId":"hue","config":{"bridgeIp":"10.0.0.2"}}`, string(reply.Result))

		_, reply = postRPC(t, ts, "s3cret", `{"id":"3","method":"plugins.config.get","params":{"pluginId":"ghost"}}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, PluginNotFound, reply.Error.Code)

		_, reply = postRPC(t, ts, "s3cret", `{"id":"4","method":"plugins.config.get"}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, InvalidParams, reply.Error.Code)
	})

	t.Run("operations", func(t *testing.T) {
		for _, body := range []string{
			`{"id":"a","method":"plugins.config.patch","params":{"pluginId":"hue","patch":{"x":1}}}`,
			`{"id":"b","method":"plugins.testConnection","params":{"pluginId":"hue","settings":{}}}`,
			`{"id":"c","method":"plugins.install","params":{"url":"https://example.com/p.git"}}`,
			`{"id":"d","method":"plugins.uninstall","params":{"pluginId":"hue"}}`,
			`{"id":"e","method":"plugins.setState","params":{"pluginId":"hue","state":"disabled"}}`,
		} {
			_, reply := postRPC(t, ts, "s3cret", body)
			require.Nil(t, reply.Error, body)
			assert.Contains(t, string(reply.Result), `"success":true`)
		}
		assert.Equal(t, []string{
			`patch:hue:{"x":1}`,
			"test:hue",
			"install:https://example.com/p.git",
			"uninstall:hue",
			"setState:hue:disabled",
		}, fake.recorded())

		_, reply := postRPC(t, ts, "s3cret", `{"id":"f","method":"plugins.install","params":{}}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, InvalidParams, reply.Error.Code)
	})

	t.Run("actions.dispatch", func(t *testing.T) {
		_, reply := postRPC(t, ts, "s3cret", `{"id":"g","method":"actions.dispatch","params":{"action":{"pluginId":"hue","settings":{"scene":"x"}},"details":{"gestureName":"pinch","confidence":0.9}}}`)
		require.Nil(t, reply.Error)
		assert.JSONEq(t, `{"success":true,"message":"hue:pinch"}`, string(reply.Result))

		_, reply = postRPC(t, ts, "s3cret", `{"id":"h","method":"actions.dispatch","params":{"details":{"gestureName":"pinch"}}}`)
		require.Nil(t, reply.Error)
		assert.JSONEq(t, `{"success":true,"message":"No action configured"}`, string(reply.Result))
	})

	t.Run("history.recent", func(t *testing.T) {
		_, reply := postRPC(t, ts, "s3cret", `{"id":"i","method":"history.recent","params":{"pluginId":"hue","limit":5}}`)
		require.Nil(t, reply.Error)
		assert.Equal(t, history.Query{PluginID: "hue", Limit: 5}, hist.last)
		assert.Contains(t, string(reply.Result), `"gestureName":"pinch"`)

		_, reply = postRPC(t, ts, "s3cret", `{"id":"j","method":"history.recent","params":{"limit":-1}}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, InvalidParams, reply.Error.Code)

		hist.err = errors.New("disk full")
		_, reply = postRPC(t, ts, "s3cret", `{"id":"k","method":"history.recent"}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, InternalError, reply.Error.Code)
	})
}

func TestServer_HealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "mudra_up 1\n")
	})
	_, ts := newTestServer(t, Config{SharedSecret: "s3cret", Metrics: metrics})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 1.0, health["plugins"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "mudra_up 1\n", string(body))
}

func TestServer_PluginRoutes(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	get := func(path string) (int, string) {
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
		resp, err := client.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/plugins/hue/lights/1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hue:/lights/1", body)

	code, _ = get("/plugins/hue")
	assert.Equal(t, http.StatusMovedPermanently, code)

	code, _ = get("/plugins/ghost/x")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get("/plugins/")
	assert.Equal(t, http.StatusNotFound, code)
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connected", hello.Event)
	return conn
}

func TestServer_WebSocket(t *testing.T) {
	fake := newFakeService()
	s, ts := newTestServer(t, Config{SharedSecret: "s3cret", Plugins: fake})

	t.Run("rejects missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	conn := dialWS(t, ts, "?token=s3cret")

	t.Run("request and response", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"42","method":"plugins.list"}`)))
		var reply rpcReply
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, "42", reply.ID)
		assert.Nil(t, reply.Error)
		assert.Contains(t, string(reply.Result), `"hue"`)
	})

	t.Run("invalid request", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"plugins.list"}`)))
		var reply rpcReply
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&reply))
		require.NotNil(t, reply.Error)
		assert.Equal(t, InvalidRequest, reply.Error.Code)
	})

	t.Run("runtime events are pushed", func(t *testing.T) {
		fake.events.Emit(plugin.EventConfigUpdated, plugin.ConfigUpdatedPayload{
			PluginID:  "hue",
			NewConfig: json.RawMessage(`{"bridgeIp":"10.0.0.3"}`),
		})
		var msg struct {
			Type  string                      `json:"type"`
			Event string                      `json:"event"`
			Data  plugin.ConfigUpdatedPayload `json:"data"`
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "event", msg.Type)
		assert.Equal(t, "config.updated", msg.Event)
		assert.Equal(t, "hue", msg.Data.PluginID)
		assert.JSONEq(t, `{"bridgeIp":"10.0.0.3"}`, string(msg.Data.NewConfig))
	})

	t.Run("clients are listed", func(t *testing.T) {
		assert.Eventually(t, func() bool { return len(s.GetConnectedClients()) == 1 }, time.Second, 10*time.Millisecond)
	})
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(Config{Port: 0, Plugins: newFakeService(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Post("http://"+addr+"/rpc", "application/json", bytes.NewBufferString(`{"id":"1","method":"plugins.list"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = http.Post("http://"+addr+"/rpc", "application/json", bytes.NewBufferString(`{}`))
	assert.Error(t, err)
}
