package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
	"github.com/sharedllm/sharedllm/internal/infra/sqlite"
	"github.com/sharedllm/sharedllm/internal/supervisor"
)

func testRouter(t *testing.T) (*Router, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	sup := supervisor.New(18181, 18282, bus.New(), log)
	return New(db, sup, log), db
}

func TestChatCompletionsEngineNotRunning(t *testing.T) {
	rt, _ := testRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rt.ChatCompletions(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestChatCompletionsNoBackendConfigured(t *testing.T) {
	rt, db := testRouter(t)
	if err := db.SetSetting(SettingBackendType, BackendOpenAI); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rt.ChatCompletions(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestChatCompletionsProxiesToRemoteBackend(t *testing.T) {
	var gotAuth, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("upstream path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: {\"choices\":[]}\n\n")
	}))
	defer upstream.Close()

	rt, db := testRouter(t)
	for k, v := range map[string]string{
		SettingBackendType:   BackendVLLM,
		SettingBackendURL:    upstream.URL,
		SettingBackendAPIKey: "sk-test",
	} {
		if err := db.SetSetting(k, v); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	rt.ChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q, want bearer key", gotAuth)
	}
	if gotBody != `{"messages":[]}` {
		t.Errorf("body = %q, not passed through verbatim", gotBody)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q, not propagated", ct)
	}
	if !strings.Contains(rec.Body.String(), "data:") {
		t.Errorf("body = %q, upstream stream not forwarded", rec.Body.String())
	}
}

func TestChatCompletionsNoAuthHeaderWithoutKey(t *testing.T) {
	var sawAuth bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rt, db := testRouter(t)
	db.SetSetting(SettingBackendType, BackendCustom)
	db.SetSetting(SettingBackendURL, upstream.URL)

	rec := httptest.NewRecorder()
	rt.ChatCompletions(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`)))

	if sawAuth {
		t.Error("authorization header sent despite empty key")
	}
}

func TestChatCompletionsUpstreamGone(t *testing.T) {
	rt, db := testRouter(t)
	db.SetSetting(SettingBackendType, BackendCustom)
	db.SetSetting(SettingBackendURL, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	rt.ChatCompletions(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`)))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "127.0.0.1") {
		t.Error("error echoes the backend address")
	}
}

func TestChatCompletionsPropagatesUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"rate limited"}`)
	}))
	defer upstream.Close()

	rt, db := testRouter(t)
	db.SetSetting(SettingBackendType, BackendOpenAI)
	db.SetSetting(SettingBackendURL, upstream.URL)

	rec := httptest.NewRecorder()
	rt.ChatCompletions(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`)))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 passed through", rec.Code)
	}
}

func TestListModelsFallsBackToEmptyList(t *testing.T) {
	rt, _ := testRouter(t)

	rec := httptest.NewRecorder()
	rt.ListModels(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Object string `json:"object"`
		Data   []any  `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 0 {
		t.Errorf("body = %+v, want empty list shape", body)
	}
}

func TestListModelsProxiesRemote(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"llama-3"}]}`)
	}))
	defer upstream.Close()

	rt, db := testRouter(t)
	db.SetSetting(SettingBackendType, BackendOllama)
	db.SetSetting(SettingBackendURL, upstream.URL)

	rec := httptest.NewRecorder()
	rt.ListModels(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "llama-3") {
		t.Errorf("body = %q, upstream list not proxied", rec.Body.String())
	}
}
