package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, handler http.Handler, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		timelineRoom, timelineSession, timelineLimit = "", "", 0
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionsTable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sessions":[{"room_id":"R1","monitored_channel_id":"C1","voice_channel_id":"V1","state":"playing","queued":2,"listeners":3,"connected":true,"started_at":"2026-01-01T00:00:00Z"}]}`))
	})
	out, err := runCLI(t, mux, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "R1") || !strings.Contains(out, "playing") || !strings.Contains(out, "LISTENERS") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestTimelineEvents(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/timeline", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"events":[{"id":1,"session_id":"s1","job_id":"j1","type":"played","speaker":7,"detail":"1.2s","created_at":"2026-01-01T00:00:00Z"}]}`))
	})
	out, err := runCLI(t, mux, "timeline", "--session", "s1", "--limit", "5")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if !strings.Contains(gotQuery, "session=s1") || !strings.Contains(gotQuery, "limit=5") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if !strings.Contains(out, "played") || !strings.Contains(out, "j1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestStatusNotReady(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	out, err := runCLI(t, mux, "status")
	if err == nil {
		t.Fatal("expected error when not ready")
	}
	if !strings.Contains(out, "[+] /healthz") || !strings.Contains(out, "[-] /readyz") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
