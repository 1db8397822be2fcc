package stage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/derekchu/mediaqueue/internal/scheduler"
	"github.com/derekchu/mediaqueue/pkg/models"
)

// --- helpers ---

func stageServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

func testInput() scheduler.Input {
	contentID := uuid.New()
	return scheduler.Input{
		Job: &models.Job{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			JobType:   models.JobTypeVideoAnalysis,
			MediaType: models.MediaTypeVideo,
			ContentID: &contentID,
		},
		Stage:  "transcribe",
		Config: json.RawMessage(`{"language": "en"}`),
	}
}

// --- Execute tests ---

func TestExecute_Success(t *testing.T) {
	in := testInput()

	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stages/transcribe" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.JobID != in.Job.ID {
			t.Errorf("unexpected job id: %s", req.JobID)
		}
		if req.ContentID == nil || *req.ContentID != *in.Job.ContentID {
			t.Errorf("unexpected content id: %v", req.ContentID)
		}
		if string(req.StageConfig) != `{"language": "en"}` {
			t.Errorf("unexpected stage config: %s", req.StageConfig)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transcript": "hello world", "confidence": 0.97}`))
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, 5*time.Second)
	out, err := e.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result["transcript"] != "hello world" {
		t.Errorf("unexpected transcript: %v", result["transcript"])
	}
}

func TestExecute_ClientErrorIsTerminal(t *testing.T) {
	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported codec", http.StatusUnprocessableEntity)
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, 5*time.Second)
	_, err := e.Execute(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrStageRejected) {
		t.Errorf("expected ErrStageRejected, got %v", err)
	}
	if !scheduler.IsTerminal(err) {
		t.Error("client errors must be terminal")
	}
}

func TestExecute_ServerErrorIsRetryable(t *testing.T) {
	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker pool exhausted", http.StatusServiceUnavailable)
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, 5*time.Second)
	_, err := e.Execute(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrStageFailed) {
		t.Errorf("expected ErrStageFailed, got %v", err)
	}
	if scheduler.IsTerminal(err) {
		t.Error("server errors must stay retryable")
	}
}

func TestExecute_Unreachable(t *testing.T) {
	e := NewHTTPExecutor("http://127.0.0.1:1", time.Second)
	_, err := e.Execute(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrStageUnreachable) {
		t.Errorf("expected ErrStageUnreachable, got %v", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, 20*time.Millisecond)
	_, err := e.Execute(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrStageTimeout) {
		t.Errorf("expected ErrStageTimeout, got %v", err)
	}
}

func TestExecute_InvalidBody(t *testing.T) {
	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, 5*time.Second)
	_, err := e.Execute(context.Background(), testInput())
	if !errors.Is(err, ErrStageFailed) {
		t.Errorf("expected ErrStageFailed, got %v", err)
	}
}

// --- Ready tests ---

func TestReady(t *testing.T) {
	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, time.Second)
	if err := e.Ready(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReady_NotReady(t *testing.T) {
	ts := stageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer ts.Close()

	e := NewHTTPExecutor(ts.URL, time.Second)
	if err := e.Ready(context.Background()); !errors.Is(err, ErrStageUnreachable) {
		t.Errorf("expected ErrStageUnreachable, got %v", err)
	}
}

// --- RegisterAll tests ---

func TestRegisterAll(t *testing.T) {
	reg := scheduler.NewRegistry()
	e := NewHTTPExecutor("http://stages.local", time.Second)
	RegisterAll(reg, e, "custom_stage")

	for _, name := range []string{"transcribe", "ocr", "summarize", "custom_stage"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("stage %q not registered", name)
		}
	}
}
