package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/cluster"
	"github.com/sharedllm/sharedllm/internal/domain"
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
	"github.com/sharedllm/sharedllm/internal/memory"
	"github.com/sharedllm/sharedllm/internal/ollama"
	"github.com/sharedllm/sharedllm/internal/registry"
	"github.com/sharedllm/sharedllm/internal/router"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

type staticProvider struct {
	id    string
	total int64
	free  int64
}

func (p staticProvider) ID() string                { return p.id }
func (p staticProvider) Name() string              { return p.id }
func (p staticProvider) Kind() domain.ProviderKind { return domain.KindSystemRAM }
func (p staticProvider) Snapshot() (int64, int64, int64, bool) {
	return p.total, p.total - p.free, p.free, true
}

type testEnv struct {
	srv *Server
	db  *sqlite.DB
	bus *bus.Bus
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	b := bus.New()
	t.Cleanup(b.Close)

	providers := []memory.Provider{
		staticProvider{id: "ram", total: 16000, free: 8000},
	}

	reg := registry.New(db, b, log)
	sup := supervisor.New(18181, 18282, b, log)
	orch := cluster.New(db, sup, providers, log)
	proxy := router.New(db, sup, log)
	om := ollama.NewManager("http://127.0.0.1:1", b, log)

	srv := NewServer(db, b, reg, orch, sup, proxy, om, providers, log, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, db: db, bus: b, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/devices", map[string]string{
		"name": "workstation", "ip": "192.168.1.50",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status = %d, want 201", resp.StatusCode)
	}
	var dev domain.Device
	decode(t, resp, &dev)
	if dev.Status != domain.StatusPending {
		t.Fatalf("new device status = %q, want pending", dev.Status)
	}

	resp = e.do(t, http.MethodPost, "/api/devices/"+dev.ID+"/approve", map[string]string{
		"role_id": domain.RoleUser,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status = %d, want 200", resp.StatusCode)
	}
	decode(t, resp, &dev)
	if dev.Status != domain.StatusApproved || dev.RoleID != domain.RoleUser {
		t.Fatalf("approved device = %+v", dev)
	}

	// Within the role-user 16384 MB quota.
	resp = e.do(t, http.MethodPatch, "/api/devices/"+dev.ID+"/memory", map[string]int64{
		"memory_mb": 8192,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allocate: status = %d, want 200", resp.StatusCode)
	}
	var alloc struct {
		OK       bool  `json:"ok"`
		MemoryMB int64 `json:"memory_mb"`
	}
	decode(t, resp, &alloc)
	if !alloc.OK || alloc.MemoryMB != 8192 {
		t.Fatalf("allocation response = %+v", alloc)
	}

	// Over quota.
	resp = e.do(t, http.MethodPatch, "/api/devices/"+dev.ID+"/memory", map[string]int64{
		"memory_mb": 99999,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("over-quota allocate: status = %d, want 400", resp.StatusCode)
	}

	resp = e.do(t, http.MethodDelete, "/api/devices/"+dev.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/api/devices/"+dev.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: status = %d, want 404", resp.StatusCode)
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/devices", map[string]string{"name": "no-ip"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRoleCRUDAndBuiltinProtection(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/permissions/roles", nil)
	var list struct {
		Roles []domain.Role `json:"roles"`
	}
	decode(t, resp, &list)
	if len(list.Roles) != 3 {
		t.Fatalf("seeded roles = %d, want 3", len(list.Roles))
	}

	resp = e.do(t, http.MethodPost, "/api/permissions/roles", map[string]any{
		"name": "render-node", "max_memory_mb": 32768, "can_pull_models": true, "trust_level": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role: status = %d, want 201", resp.StatusCode)
	}
	var role domain.Role
	decode(t, resp, &role)
	if role.ID == "" || role.MaxMemoryMB != 32768 {
		t.Fatalf("created role = %+v", role)
	}

	resp = e.do(t, http.MethodPut, "/api/permissions/roles/"+role.ID, map[string]any{
		"name": "render-node", "max_memory_mb": 65536, "trust_level": 60,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update role: status = %d, want 200", resp.StatusCode)
	}
	decode(t, resp, &role)
	if role.MaxMemoryMB != 65536 {
		t.Fatalf("updated max_memory_mb = %d, want 65536", role.MaxMemoryMB)
	}

	for _, id := range []string{domain.RoleAdmin, domain.RoleUser, domain.RoleGuest} {
		resp = e.do(t, http.MethodDelete, "/api/permissions/roles/"+id, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("delete %s: status = %d, want 403", id, resp.StatusCode)
		}
	}

	resp = e.do(t, http.MethodDelete, "/api/permissions/roles/"+role.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete custom role: status = %d, want 200", resp.StatusCode)
	}
}

func TestSettingsAllowList(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPut, "/api/settings/trust_local_network", map[string]string{"value": "true"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put allowed key: status = %d, want 200", resp.StatusCode)
	}

	resp = e.do(t, http.MethodPut, "/api/settings/admin_password", map[string]string{"value": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("put unknown key: status = %d, want 400", resp.StatusCode)
	}

	v, ok, err := e.db.GetSetting("trust_local_network")
	if err != nil || !ok || v != "true" {
		t.Fatalf("stored setting = (%q, %v, %v)", v, ok, err)
	}
}

func TestSettingsListMasksAPIKey(t *testing.T) {
	e := newTestEnv(t)

	if err := e.db.SetSetting("backend_api_key", "sk-secret-123"); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, http.MethodGet, "/api/settings", nil)
	var settings map[string]string
	decode(t, resp, &settings)
	if settings["backend_api_key"] != apiKeyMask {
		t.Fatalf("api key in settings list = %q, want mask", settings["backend_api_key"])
	}
}

func TestBackendConfigNeverEchoesKey(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/backends/config", map[string]string{
		"backend_type":    router.BackendOpenAI,
		"backend_url":     "https://api.example.com",
		"backend_api_key": "sk-secret-123",
	})
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set config: status = %d, want 200", resp.StatusCode)
	}
	if strings.Contains(string(raw), "sk-secret-123") {
		t.Fatalf("response echoes the api key: %s", raw)
	}

	var cfg struct {
		Type      string `json:"backend_type"`
		URL       string `json:"backend_url"`
		APIKeySet bool   `json:"api_key_set"`
	}
	resp = e.do(t, http.MethodGet, "/api/backends/config", nil)
	decode(t, resp, &cfg)
	if cfg.Type != router.BackendOpenAI || !cfg.APIKeySet {
		t.Fatalf("config = %+v", cfg)
	}

	// The mask placeholder must not overwrite the stored key.
	resp = e.do(t, http.MethodPost, "/api/backends/config", map[string]string{
		"backend_api_key": apiKeyMask,
	})
	resp.Body.Close()
	v, _, err := e.db.GetSetting("backend_api_key")
	if err != nil || v != "sk-secret-123" {
		t.Fatalf("stored key after mask submit = %q, %v", v, err)
	}
}

func TestBackendConfigRejectsUnknownType(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/backends/config", map[string]string{
		"backend_type": "mainframe",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBackendModelsProbe(t *testing.T) {
	e := newTestEnv(t)

	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m1"}]}`)
	}))
	defer upstream.Close()

	resp := e.do(t, http.MethodGet, "/api/backends/models?url="+upstream.URL+"&api_key=k1", nil)
	var list struct {
		Object string           `json:"object"`
		Data   []map[string]any `json:"data"`
	}
	decode(t, resp, &list)
	if len(list.Data) != 1 || gotAuth != "Bearer k1" {
		t.Fatalf("list = %+v, auth = %q", list, gotAuth)
	}

	resp = e.do(t, http.MethodGet, "/api/backends/models?url=ftp://example.com", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad scheme: status = %d, want 400", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/api/backends/models?url=http://127.0.0.1:1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("unreachable upstream: status = %d, want 502", resp.StatusCode)
	}
}

func TestModelCheckRequiresPath(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/cluster/model-check", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInferenceStartRejectsBadPath(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/cluster/inference/start", map[string]any{
		"model_path": "/etc/passwd",
	})
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if strings.Contains(string(raw), "/etc/passwd") {
		t.Fatalf("error echoes the path: %s", raw)
	}
}

func TestInferenceStatusIdle(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/cluster/inference/status", nil)
	var st struct {
		Running bool            `json:"running"`
		Session json.RawMessage `json:"session"`
	}
	decode(t, resp, &st)
	if st.Running || string(st.Session) != "null" {
		t.Fatalf("idle status = %+v", st)
	}
}

func TestOpenAIListModelsFallback(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/v1/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list struct {
		Object string `json:"object"`
		Data   []any  `json:"data"`
	}
	decode(t, resp, &list)
	if list.Object != "list" || len(list.Data) != 0 {
		t.Fatalf("fallback list = %+v", list)
	}
}

func TestChatCompletionsEngineNotRunning(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model": "any", "messages": []any{},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestGPUAttribution(t *testing.T) {
	e := newTestEnv(t)

	// One approved device holding 4000 MB against the 16000 MB provider.
	dev := domain.NewDevice("peer", "192.168.1.60", "", "", "", domain.DiscoveryManual)
	dev.Status = domain.StatusApproved
	dev.RoleID = domain.RoleAdmin
	if err := e.db.InsertDevice(dev); err != nil {
		t.Fatal(err)
	}
	if _, err := e.db.GrantAllocation(dev.ID, 4000, "system_ram"); err != nil {
		t.Fatal(err)
	}

	// A device denied after allocation must not count toward the total.
	denied := domain.NewDevice("revoked", "192.168.1.61", "", "", "", domain.DiscoveryManual)
	denied.Status = domain.StatusApproved
	denied.RoleID = domain.RoleAdmin
	if err := e.db.InsertDevice(denied); err != nil {
		t.Fatal(err)
	}
	if _, err := e.db.GrantAllocation(denied.ID, 3000, "system_ram"); err != nil {
		t.Fatal(err)
	}
	if err := e.db.UpdateDeviceStatus(denied.ID, domain.StatusDenied); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, http.MethodGet, "/api/gpu", nil)
	var body struct {
		Providers []domain.MemorySnapshot `json:"providers"`
		Count     int                     `json:"count"`
	}
	decode(t, resp, &body)
	if body.Count != 1 || len(body.Providers) != 1 {
		t.Fatalf("gpu response = %+v", body)
	}
	if body.Providers[0].AllocatedMB != 4000 {
		t.Fatalf("attributed MB = %d, want 4000", body.Providers[0].AllocatedMB)
	}
}

func TestOllamaStatusDown(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/ollama/status", nil)
	var st struct {
		Running bool   `json:"running"`
		Host    string `json:"host"`
	}
	decode(t, resp, &st)
	if st.Running {
		t.Fatal("ollama reported running against a dead port")
	}
}

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/health", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/api/version", nil)
	var v map[string]string
	decode(t, resp, &v)
	if v["version"] != "test" {
		t.Fatalf("version = %q", v["version"])
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the server's subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	e.bus.Publish(bus.DeviceApproved{DeviceID: "d1", Name: "peer", IP: "192.168.1.61"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws frame: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	if frame["type"] != "device_approved" || frame["device_id"] != "d1" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestWebsocketPingPong(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	pongs := make(chan string, 1)
	conn.SetPongHandler(func(appData string) error {
		select {
		case pongs <- appData:
		default:
		}
		return nil
	})

	if err := conn.WriteControl(websocket.PingMessage, []byte("hello"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	// Pong handlers only run while a read is in flight.
	go func() {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	}()

	select {
	case p := <-pongs:
		if p != "hello" {
			t.Fatalf("pong payload = %q, want hello", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}
