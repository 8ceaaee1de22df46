package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/memory"
)

var testNow = time.Date(2024, time.March, 13, 15, 0, 0, 0, time.UTC)

// errorStorage is a mock storage whose cycle history is unreachable
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListCycleRecords(context.Context, string) ([]*gocycle.CycleRecord, error) {
	return nil, fmt.Errorf("connection refused: %w", gocycle.ErrStorageUnavailable)
}

// Test helper to create a test manager
func setupTestManager(t *testing.T, store gocycle.Store) *gocycle.Manager {
	t.Helper()

	if store == nil {
		store = memory.New()
	}
	manager, err := gocycle.NewManager(store, gocycle.Config{Clock: gocycle.FixedClock(testNow)})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

// Test helper to give a client a monthly schedule anchored on day 1
func setupSchedule(t *testing.T, manager *gocycle.Manager, clientID string) {
	t.Helper()

	_, err := manager.UpdateSchedule(context.Background(), clientID, gocycle.CycleMonthly,
		gocycle.Anchor{DayOfMonth: gocycle.Int(1)})
	if err != nil {
		t.Fatalf("Failed to set schedule: %v", err)
	}
}

func fixedNow() time.Time { return testNow }

// periodEcho writes the period found in the request context
func periodEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := gocycle.BillingPeriodFromContext(r.Context())
		if !ok {
			_, _ = w.Write([]byte("none"))
			return
		}
		fmt.Fprintf(w, "%s %s..%s", gocycle.ClientIDFromContext(r.Context()),
			gocycle.FormatDate(p.Start), gocycle.FormatDate(p.End))
	})
}

func serve(h http.Handler, clientID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	if clientID != "" {
		req.Header.Set("X-Client-ID", clientID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, nil)
	setupSchedule(t, manager, "client1")

	mw := Middleware(Config{
		Manager:     manager,
		GetClientID: FromHeader("X-Client-ID"),
		Now:         fixedNow,
	})
	rec := serve(mw(periodEcho()), "client1")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "client1 2024-03-01..2024-04-01" {
		t.Errorf("Unexpected body %q", got)
	}
	if got := rec.Header().Get(HeaderPeriodStart); got != "2024-03-01" {
		t.Errorf("Expected start header 2024-03-01, got %q", got)
	}
	if got := rec.Header().Get(HeaderPeriodEnd); got != "2024-04-01" {
		t.Errorf("Expected end header 2024-04-01, got %q", got)
	}
}

func TestMiddleware_MaterializedCycleWins(t *testing.T) {
	manager := setupTestManager(t, nil)
	setupSchedule(t, manager, "client1")
	if _, err := manager.CreateNextCycle(context.Background(), "client1"); err != nil {
		t.Fatalf("CreateNextCycle failed: %v", err)
	}
	// Moving the anchor does not change the period already materialized
	if _, err := manager.UpdateSchedule(context.Background(), "client1", gocycle.CycleMonthly,
		gocycle.Anchor{DayOfMonth: gocycle.Int(10)}); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	mw := Middleware(Config{Manager: manager, GetClientID: FromHeader("X-Client-ID"), Now: fixedNow})
	rec := serve(mw(periodEcho()), "client1")

	if got := rec.Body.String(); got != "client1 2024-03-01..2024-04-01" {
		t.Errorf("Unexpected body %q", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, nil)

	mw := Middleware(Config{Manager: manager, GetClientID: FromHeader("X-Client-ID")})
	rec := serve(mw(periodEcho()), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	called := false
	mw = Middleware(Config{
		Manager:     manager,
		GetClientID: FromHeader("X-Client-ID"),
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusForbidden)
		},
	})
	rec = serve(mw(periodEcho()), "")
	if !called || rec.Code != http.StatusForbidden {
		t.Errorf("Expected custom handler with 403, got called=%v status=%d", called, rec.Code)
	}
}

func TestMiddleware_MissingSchedule(t *testing.T) {
	manager := setupTestManager(t, nil)

	tests := []struct {
		name     string
		config   Config
		wantCode int
		wantBody string
	}{
		{
			name:     "pass through",
			config:   Config{},
			wantCode: http.StatusOK,
			wantBody: "none",
		},
		{
			name:     "required",
			config:   Config{RequireSchedule: true},
			wantCode: http.StatusNotFound,
		},
		{
			name: "custom handler",
			config: Config{RequireSchedule: true, OnScheduleMissing: func(w http.ResponseWriter, _ *http.Request, clientID string) {
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = w.Write([]byte(clientID))
			}},
			wantCode: http.StatusPaymentRequired,
			wantBody: "ghost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			cfg.Manager = manager
			cfg.GetClientID = FromHeader("X-Client-ID")
			cfg.Now = fixedNow

			rec := serve(Middleware(cfg)(periodEcho()), "ghost")
			if rec.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("Expected body %q, got %q", tt.wantBody, rec.Body.String())
			}
			if rec.Header().Get(HeaderPeriodStart) != "" {
				t.Error("Expected no period headers")
			}
		})
	}
}

func TestMiddleware_AutoInitialize(t *testing.T) {
	manager := setupTestManager(t, nil)

	mw := Middleware(Config{
		Manager:         manager,
		GetClientID:     FromHeader("X-Client-ID"),
		RequireSchedule: true,
		AutoInitialize:  true,
		Now:             fixedNow,
	})
	rec := serve(mw(periodEcho()), "newcomer")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "newcomer 2024-03-01..2024-04-01" {
		t.Errorf("Unexpected body %q", got)
	}
	if _, err := manager.GetSchedule(context.Background(), "newcomer"); err != nil {
		t.Errorf("Expected default schedule to be stored: %v", err)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()})
	setupSchedule(t, manager, "client1")

	mw := Middleware(Config{Manager: manager, GetClientID: FromHeader("X-Client-ID"), Now: fixedNow})
	rec := serve(mw(periodEcho()), "client1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}

	var captured error
	mw = Middleware(Config{
		Manager:     manager,
		GetClientID: FromHeader("X-Client-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusBadGateway)
		},
	})
	rec = serve(mw(periodEcho()), "client1")
	if rec.Code != http.StatusBadGateway || captured == nil {
		t.Errorf("Expected custom error handler, got status %d err %v", rec.Code, captured)
	}
}

func TestMiddleware_DisableHeaders(t *testing.T) {
	manager := setupTestManager(t, nil)
	setupSchedule(t, manager, "client1")

	mw := Middleware(Config{
		Manager:        manager,
		GetClientID:    FromHeader("X-Client-ID"),
		DisableHeaders: true,
		Now:            fixedNow,
	})
	rec := serve(mw(periodEcho()), "client1")
	if rec.Header().Get(HeaderPeriodStart) != "" || rec.Header().Get(HeaderPeriodEnd) != "" {
		t.Error("Expected no period headers")
	}
	if rec.Body.String() == "none" {
		t.Error("Expected period in context")
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	manager := setupTestManager(t, nil)
	for name, cfg := range map[string]Config{
		"manager":  {GetClientID: FromHeader("X-Client-ID")},
		"clientID": {Manager: manager},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			Middleware(cfg)
		})
	}
}

func TestHandlerFunc(t *testing.T) {
	manager := setupTestManager(t, nil)
	setupSchedule(t, manager, "client1")

	wrap := HandlerFunc(Config{Manager: manager, GetClientID: FromHeader("X-Client-ID"), Now: fixedNow})
	rec := serve(wrap(periodEcho().ServeHTTP), "client1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestExtractors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithClientID(req.Context(), "ctx-client"))
	if got := FromContext(ClientIDKey)(req); got != "ctx-client" {
		t.Errorf("FromContext: got %q", got)
	}
	if got := FromContext("other")(req); got != "" {
		t.Errorf("FromContext with unknown key: got %q", got)
	}

	mux := http.NewServeMux()
	var got string
	mux.HandleFunc("/clients/{id}", func(_ http.ResponseWriter, r *http.Request) {
		got = FromPathValue("id")(r)
	})
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/clients/abc", nil))
	if got != "abc" {
		t.Errorf("FromPathValue: got %q", got)
	}
}

func TestMount(t *testing.T) {
	manager := setupTestManager(t, nil)
	handler, err := api.NewHandler(api.Config{Manager: manager})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	mux := http.NewServeMux()
	Mount(mux, "/billing/", handler)

	req := httptest.NewRequest(http.MethodPost, "/billing/clients/c1/billing-schedule/initialize", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
}
