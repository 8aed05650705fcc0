package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/renjiyun06/mosaic-sub001/internal/config"
	"github.com/renjiyun06/mosaic-sub001/pkg/protocol"
)

func newTestServer(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	return NewServer(cfg, nil)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Protocol != protocol.ProtocolVersion {
		t.Errorf("body = %+v", body)
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name  string
		token string
		query string
		auth  string
		want  bool
	}{
		{"auth disabled", "", "", "", true},
		{"query token match", "tok", "?token=tok", "", true},
		{"query token mismatch", "tok", "?token=wrong", "", false},
		{"bearer match", "tok", "", "Bearer tok", true},
		{"bearer mismatch", "tok", "", "Bearer wrong", false},
		{"no credentials", "tok", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Gateway.Token = tt.token
			s := newTestServer(cfg)
			r := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			if got := s.authorize(r); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "http://evil.example", true},
		{"empty origin allowed", []string{"http://app.example"}, "", true},
		{"listed origin", []string{"http://app.example"}, "http://app.example", true},
		{"unlisted origin", []string{"http://app.example"}, "http://evil.example", false},
		{"wildcard", []string{"*"}, "http://anywhere.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Gateway.AllowedOrigins = tt.allowed
			s := newTestServer(cfg)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebSocketRejectsBadRequests(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "tok"
	s := newTestServer(cfg)
	mux := s.BuildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?user_id=1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=tok", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=tok&user_id=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-positive user_id: status = %d, want 400", rec.Code)
	}
}
