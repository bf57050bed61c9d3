package ollama

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sharedllm/sharedllm/internal/bus"
)

func testManager(t *testing.T, host string) *Manager {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewManager(host, bus.New(), log)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testManager(t, srv.URL)
	if !m.Healthy(context.Background()) {
		t.Fatal("healthy server reported down")
	}

	down := testManager(t, "http://127.0.0.1:1")
	if down.Healthy(context.Background()) {
		t.Fatal("unreachable server reported healthy")
	}
}

func TestEnsureRunningAdoptsExternalInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testManager(t, srv.URL)
	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if m.child != nil {
		t.Error("spawned a child despite an external instance running")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"models":[{"name":"llama3:8b","size":4661224676,"digest":"abc"}]}`)
	}))
	defer srv.Close()

	m := testManager(t, srv.URL)
	models, err := m.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3:8b" {
		t.Errorf("models = %+v", models)
	}
}

func TestDeleteModel(t *testing.T) {
	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testManager(t, srv.URL)
	if err := m.DeleteModel(context.Background(), "llama3:8b"); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
	if gotBody != `{"name":"llama3:8b"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestDefaultHost(t *testing.T) {
	m := testManager(t, "")
	if m.Host() != DefaultHost {
		t.Errorf("host = %s, want %s", m.Host(), DefaultHost)
	}
}
