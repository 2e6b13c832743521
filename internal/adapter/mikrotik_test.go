package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func newTestMikroTik(t *testing.T, handler http.Handler) Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewMikroTik(Config{
		Endpoint:    srv.URL,
		Credentials: Credentials{Username: "admin", Password: "secret"},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMikroTik: %v", err)
	}
	return a
}

func TestMikroTikGetStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/system/resource", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"cpu-load":     "12",
			"total-memory": "1073741824",
			"free-memory":  "536870912",
			"uptime":       "1d2h",
			"board-name":   "CCR2004-1G-12S+2XS",
		})
	})
	mux.HandleFunc("/rest/ppp/active", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{".id": "*1", "name": "cust1"},
			{".id": "*2", "name": "cust2"},
		})
	})

	st, err := newTestMikroTik(t, mux).GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.CPUUsage != 12 {
		t.Errorf("CPUUsage = %v, want 12", st.CPUUsage)
	}
	if st.MemoryUsage != 50 {
		t.Errorf("MemoryUsage = %v, want 50", st.MemoryUsage)
	}
	if want := int64(86400 + 7200); st.UptimeSeconds != want {
		t.Errorf("UptimeSeconds = %d, want %d", st.UptimeSeconds, want)
	}
	if st.ConnectedClients != 2 {
		t.Errorf("ConnectedClients = %d, want 2", st.ConnectedClients)
	}
	if st.Extra["board-name"] != "CCR2004-1G-12S+2XS" {
		t.Errorf("Extra[board-name] = %v", st.Extra["board-name"])
	}
}

func TestMikroTikBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := newTestMikroTik(t, mux).TestConnection(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("TestConnection error = %T (%v), want *ConnectionError", err, err)
	}
	if !Retryable(err) {
		t.Error("ConnectionError should be retryable")
	}
}

func TestMikroTikSetBandwidthLimitUpdatesExisting(t *testing.T) {
	var patched map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/queue/simple", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "cust1" {
			t.Errorf("find filter name = %q, want cust1", got)
		}
		json.NewEncoder(w).Encode([]map[string]any{{".id": "*A", "name": "cust1"}})
	})
	mux.HandleFunc("PATCH /rest/queue/simple/*A", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&patched)
		w.WriteHeader(http.StatusOK)
	})

	err := newTestMikroTik(t, mux).SetBandwidthLimit(context.Background(), "cust1", 50, 10)
	if err != nil {
		t.Fatalf("SetBandwidthLimit: %v", err)
	}
	// RouterOS max-limit is upload/download.
	if got := patched["max-limit"]; got != "10M/50M" {
		t.Errorf("max-limit = %v, want 10M/50M", got)
	}
}

func TestMikroTikSetBandwidthLimitCreatesWhenMissing(t *testing.T) {
	var created map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/queue/simple", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	})
	mux.HandleFunc("PUT /rest/queue/simple", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&created)
		w.WriteHeader(http.StatusCreated)
	})

	err := newTestMikroTik(t, mux).SetBandwidthLimit(context.Background(), "cust1", 50, 10)
	if err != nil {
		t.Fatalf("SetBandwidthLimit: %v", err)
	}
	if got := created["name"]; got != "cust1" {
		t.Errorf("created name = %v, want cust1", got)
	}
	if got := created["max-limit"]; got != "10M/50M" {
		t.Errorf("created max-limit = %v, want 10M/50M", got)
	}
}

func TestMikroTikDeleteUnknownClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/ppp/secret", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	})

	err := newTestMikroTik(t, mux).DeletePPPoEClient(context.Background(), "ghost")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("DeletePPPoEClient error = %T (%v), want *NotFoundError", err, err)
	}
	if Retryable(err) {
		t.Error("NotFoundError must not be retryable")
	}
}

func TestMikroTikSuspendWithoutActiveSession(t *testing.T) {
	disabled := false
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/ppp/secret", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{".id": "*1", "name": "cust1"}})
	})
	mux.HandleFunc("PATCH /rest/ppp/secret/*1", func(w http.ResponseWriter, r *http.Request) {
		disabled = true
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /rest/ppp/active", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	})

	if err := newTestMikroTik(t, mux).SuspendClient(context.Background(), "cust1"); err != nil {
		t.Fatalf("SuspendClient: %v", err)
	}
	if !disabled {
		t.Error("secret was not disabled")
	}
}

func TestParseRouterOSDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"5s", 5, false},
		{"4m5s", 245, false},
		{"1w2d3h4m5s", 604800 + 2*86400 + 3*3600 + 245, false},
		{"10h", 36000, false},
		{"1x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseRouterOSDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRouterOSDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseRouterOSDuration(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
