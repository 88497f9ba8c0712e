package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vibetune/internal/bot"
)

type fakeSyncer struct {
	result bot.TriggerResult
	calls  int
}

func (f *fakeSyncer) TriggerSync(context.Context) bot.TriggerResult {
	f.calls++
	return f.result
}

func (f *fakeSyncer) RunningCount() int { return 2 }

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestSyncBeforeReady(t *testing.T) {
	syncer := &fakeSyncer{}
	s := New(":0", syncer)

	rec := do(t, s, http.MethodPost, "/sync")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if syncer.calls != 0 {
		t.Error("sync must not run before the daemon is ready")
	}

	var body bot.TriggerResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body.Success || body.Error == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestSyncSuccess(t *testing.T) {
	syncer := &fakeSyncer{result: bot.TriggerResult{
		Success:    true,
		Message:    "sync complete: 1 started, 0 stopped, 2 running",
		BotsBefore: 1,
		BotsAfter:  2,
		BotsAdded:  1,
	}}
	s := New(":0", syncer)
	s.SetReady()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := do(t, s, method, "/sync")
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", method, rec.Code)
		}

		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON response: %v", err)
		}
		if body["success"] != true || body["bots_after"] != float64(2) || body["bots_added"] != float64(1) {
			t.Errorf("body = %v", body)
		}
	}
}

func TestSyncFailure(t *testing.T) {
	syncer := &fakeSyncer{result: bot.TriggerResult{
		Success: false,
		Error:   "failed to load bot registry",
	}}
	s := New(":0", syncer)
	s.SetReady()

	rec := do(t, s, http.MethodPost, "/sync")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	var body bot.TriggerResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body.Error != "failed to load bot registry" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestSyncMethodNotAllowed(t *testing.T) {
	s := New(":0", &fakeSyncer{})
	s.SetReady()

	if rec := do(t, s, http.MethodDelete, "/sync"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := New(":0", &fakeSyncer{})

	rec := do(t, s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["status"] != "ok" || body["bots"] != float64(2) {
		t.Errorf("body = %v", body)
	}
}
