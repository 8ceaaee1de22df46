package internal

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Fourth request should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("Other IPs should have their own bucket")
	}

	// One token per 20s
	clock.t = clock.t.Add(21 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("Expected a refilled token")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Expected only one refilled token")
	}
}

func TestRateLimiter_EvictsIdle(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 50; i++ {
		rl.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	if got := rl.Size(); got != 50 {
		t.Fatalf("Expected 50 tracked IPs, got %d", got)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	rl.Allow("10.0.0.1")
	rl.Cleanup()
	if got := rl.Size(); got != 1 {
		t.Errorf("Expected only the active IP to remain, got %d", got)
	}
}

func TestRateLimiter_PeriodicSweep(t *testing.T) {
	rl, clock := newTestLimiter(1000, time.Minute)

	for i := 0; i < 10; i++ {
		rl.Allow(fmt.Sprintf("172.16.0.%d", i))
	}
	clock.t = clock.t.Add(5 * time.Minute)
	for i := 0; i < cleanupEvery; i++ {
		rl.Allow("10.0.0.1")
	}
	if got := rl.Size(); got != 1 {
		t.Errorf("Expected sweep to drop idle IPs, got %d tracked", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 429], got %v", codes)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "198.51.100.1, 10.0.0.1", "10.0.0.2:80", "198.51.100.1"},
		{"remote with port", "", "203.0.113.9:1234", "203.0.113.9"},
		{"remote without port", "", "203.0.113.9", "203.0.113.9"},
		{"blank forwarded", " ", "203.0.113.9:1", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadBodyStrict(t *testing.T) {
	read := func(body string, limit int64) ([]byte, error) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return ReadBodyStrict(httptest.NewRecorder(), req, limit)
	}

	if b, err := read(`{"ok":true}`, 64); err != nil || string(b) != `{"ok":true}` {
		t.Errorf("Unexpected result %q %v", b, err)
	}
	if _, err := read("", 64); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("Expected ErrEmptyBody, got %v", err)
	}
	if _, err := read(strings.Repeat("x", 100), 10); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteJSON(rec, http.StatusAccepted, map[string]string{"status": "ok"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected JSON content type, got %q", got)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("Unexpected body %q", got)
	}
}
