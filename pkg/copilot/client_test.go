package copilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/errorsx"
)

func testEntries() []callstate.Entry {
	return []callstate.Entry{
		{Role: callstate.RoleCall, Message: "I need a refund"},
		{Role: callstate.RoleCall, Message: "The order arrived broken"},
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	var got AnalysisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"advice":"Offer store credit","products":""}`))
	}))
	defer srv.Close()

	c := NewClient(CopilotConfig{URL: srv.URL, SubjectID: "lead-1"})
	raw, err := c.Analyze(context.Background(), "lead-1", testEntries())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if payload["advice"] != "Offer store credit" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if got.SubjectID != "lead-1" {
		t.Fatalf("subject id not sent: %s", got.SubjectID)
	}
	if len(got.Transcript) != 2 || got.Transcript[0].Message != "I need a refund" || got.Transcript[1].Message != "The order arrived broken" {
		t.Fatalf("transcript order not preserved: %#v", got.Transcript)
	}
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(CopilotConfig{URL: srv.URL})
	_, err := c.Analyze(context.Background(), "lead-1", testEntries())
	if err == nil {
		t.Fatalf("expected error on 500")
	}
	if !errorsx.HasReason(err, errorsx.ReasonCopilotStatus) {
		t.Fatalf("expected status reason, got %s", errorsx.Reason(err))
	}
}

func TestAnalyzeClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	c := NewClient(CopilotConfig{URL: srv.URL})
	if _, err := c.Analyze(context.Background(), "lead-1", testEntries()); err == nil {
		t.Fatalf("expected error on 400")
	}
}

func TestAnalyzeEmptyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(CopilotConfig{URL: srv.URL})
	_, err := c.Analyze(context.Background(), "lead-1", testEntries())
	if err == nil {
		t.Fatalf("expected error on empty payload")
	}
	if !errorsx.HasReason(err, errorsx.ReasonCopilotEmpty) {
		t.Fatalf("expected empty-payload reason, got %s", errorsx.Reason(err))
	}
}

func TestAnalyzeRateLimitOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(CopilotConfig{URL: srv.URL})
	for i := 0; i < 3; i++ {
		_, err := c.Analyze(context.Background(), "lead-1", testEntries())
		if !errorsx.HasReason(err, errorsx.ReasonCopilotRateLimit) {
			t.Fatalf("expected rate limit reason, got %v", err)
		}
	}
	// Breaker now open: the request must fail fast without reaching
	// the endpoint.
	_, err := c.Analyze(context.Background(), "lead-1", testEntries())
	if !errorsx.HasReason(err, errorsx.ReasonCopilotRateLimit) {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
}

func TestAnalyzeCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(CopilotConfig{URL: srv.URL})
	if _, err := c.Analyze(ctx, "lead-1", testEntries()); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}
