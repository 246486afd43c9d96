package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitReadyModelRegistered(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"qwen1.5b"}]}`))
	}))
	defer srv.Close()

	err := waitReady(context.Background(), waitReadyParams{
		url:      srv.URL + "/v1/models",
		servedID: "qwen1.5b",
		deadline: 30 * time.Second,
		httpc:    srv.Client(),
	})
	if err != nil {
		t.Fatalf("waitReady: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected polling, calls=%d", calls.Load())
	}
}

func TestWaitReadyWrongModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"other"}]}`))
	}))
	defer srv.Close()

	err := waitReady(context.Background(), waitReadyParams{
		url:      srv.URL + "/v1/models",
		servedID: "qwen1.5b",
		deadline: 1200 * time.Millisecond,
		httpc:    srv.Client(),
	})
	if !IsNotReady(err) {
		t.Fatalf("expected not-ready, got %v", err)
	}
}

func TestWaitReadyLogMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no models endpoint", http.StatusNotFound)
	}))
	defer srv.Close()

	err := waitReady(context.Background(), waitReadyParams{
		url:      srv.URL + "/v1/models",
		servedID: "m",
		deadline: 10 * time.Second,
		httpc:    srv.Client(),
		logs: func(ctx context.Context) (string, error) {
			return "INFO: Application startup complete.\n", nil
		},
	})
	if err != nil {
		t.Fatalf("marker should satisfy readiness: %v", err)
	}
}

func TestWaitReadyContainerDied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := waitReady(context.Background(), waitReadyParams{
		url:      srv.URL + "/v1/models",
		servedID: "m",
		deadline: 10 * time.Second,
		httpc:    srv.Client(),
		logs: func(ctx context.Context) (string, error) {
			return "CUDA out of memory\n", nil
		},
		running: func(ctx context.Context) (bool, error) { return false, nil },
	})
	if !IsNotReady(err) {
		t.Fatalf("expected not-ready, got %v", err)
	}
}

func TestClassifyErrKinds(t *testing.T) {
	cases := []struct {
		msg   string
		check func(error) bool
	}{
		{"Error response from daemon: No such image: vllm/vllm-openai:latest", IsImageMissing},
		{"Bind for 0.0.0.0:8100 failed: port is already allocated", IsPortConflict},
		{"could not select device driver \"nvidia\" with capabilities: [[gpu]]", IsGPUUnavailable},
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock", IsRuntimeDown},
		{"no space left on device", IsQuotaExceeded},
	}
	for _, c := range cases {
		got := classifyErr(errString(c.msg))
		if !c.check(got) {
			t.Fatalf("misclassified %q -> %v", c.msg, got)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
