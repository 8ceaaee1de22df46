package gin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	cyclehttp "github.com/mihaimyh/gocycle/middleware/http"
	"github.com/mihaimyh/gocycle/pkg/api"
	"github.com/mihaimyh/gocycle/pkg/gocycle"
	"github.com/mihaimyh/gocycle/storage/memory"
)

var testNow = time.Date(2024, time.March, 13, 15, 0, 0, 0, time.UTC)

func init() {
	gongin.SetMode(gongin.TestMode)
}

// errorStorage is a mock storage whose cycle history is unreachable
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) ListCycleRecords(context.Context, string) ([]*gocycle.CycleRecord, error) {
	return nil, fmt.Errorf("connection refused: %w", gocycle.ErrStorageUnavailable)
}

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

func setupSchedule(t *testing.T, manager *gocycle.Manager, clientID string) {
	t.Helper()

	_, err := manager.UpdateSchedule(context.Background(), clientID, gocycle.CycleWeekly,
		gocycle.Anchor{DayOfWeek: gocycle.Int(1)})
	if err != nil {
		t.Fatalf("Failed to set schedule: %v", err)
	}
}

func newRouter(cfg Config) *gongin.Engine {
	cfg.Now = func() time.Time { return testNow }
	r := gongin.New()
	r.GET("/clients/:id/usage", Middleware(cfg), func(c *gongin.Context) {
		p, ok := Period(c)
		if !ok {
			c.String(http.StatusOK, "none")
			return
		}
		fromCtx, _ := gocycle.BillingPeriodFromContext(c.Request.Context())
		c.String(http.StatusOK, "%s..%s %v", gocycle.FormatDate(p.Start), gocycle.FormatDate(p.End),
			fromCtx.Start.Equal(p.Start))
	})
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t, nil)
	setupSchedule(t, manager, "client1")

	r := newRouter(Config{Manager: manager, GetClientID: FromParam("id")})
	rec := get(r, "/clients/client1/usage")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	// Wednesday 13 March falls in the week starting Monday 11 March
	if got := rec.Body.String(); got != "2024-03-11..2024-03-18 true" {
		t.Errorf("Unexpected body %q", got)
	}
	if got := rec.Header().Get(cyclehttp.HeaderPeriodStart); got != "2024-03-11" {
		t.Errorf("Expected start header, got %q", got)
	}
}

func TestMiddleware_MissingSchedule(t *testing.T) {
	manager := setupTestManager(t, nil)

	rec := get(newRouter(Config{Manager: manager, GetClientID: FromParam("id")}), "/clients/ghost/usage")
	if rec.Code != http.StatusOK || rec.Body.String() != "none" {
		t.Errorf("Expected pass-through, got %d %q", rec.Code, rec.Body.String())
	}

	rec = get(newRouter(Config{Manager: manager, GetClientID: FromParam("id"), RequireSchedule: true}),
		"/clients/ghost/usage")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}

	rec = get(newRouter(Config{
		Manager:         manager,
		GetClientID:     FromParam("id"),
		RequireSchedule: true,
		OnScheduleMissing: func(c *gongin.Context, clientID string) {
			c.JSON(http.StatusPaymentRequired, gongin.H{"client": clientID})
		},
	}), "/clients/ghost/usage")
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}

func TestMiddleware_AutoInitialize(t *testing.T) {
	manager := setupTestManager(t, nil)

	r := newRouter(Config{Manager: manager, GetClientID: FromParam("id"), AutoInitialize: true, RequireSchedule: true})
	rec := get(r, "/clients/newcomer/usage")
	if got := rec.Body.String(); got != "2024-03-01..2024-04-01 true" {
		t.Errorf("Unexpected body %q", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t, nil)

	r := newRouter(Config{Manager: manager, GetClientID: FromHeader("X-Client-ID")})
	rec := get(r, "/clients/x/usage")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()})
	setupSchedule(t, manager, "client1")

	rec := get(newRouter(Config{Manager: manager, GetClientID: FromParam("id")}), "/clients/client1/usage")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON body: %v", err)
	}
	if body["error"] != http.StatusText(http.StatusServiceUnavailable) {
		t.Errorf("Unexpected error body %v", body)
	}
}

func TestExtractors(t *testing.T) {
	r := gongin.New()
	var fromCtx, fromQuery string
	r.GET("/x", func(c *gongin.Context) {
		c.Set("ClientID", "ctx-client")
		fromCtx = FromContext("ClientID")(c)
		fromQuery = FromQuery("client")(c)
	})
	get(r, "/x?client=q-client")

	if fromCtx != "ctx-client" {
		t.Errorf("FromContext: got %q", fromCtx)
	}
	if fromQuery != "q-client" {
		t.Errorf("FromQuery: got %q", fromQuery)
	}
}

func TestMount(t *testing.T) {
	manager := setupTestManager(t, nil)
	setupSchedule(t, manager, "client1")
	handler, err := api.NewHandler(api.Config{Manager: manager})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	r := gongin.New()
	Mount(r.Group("/api/v1"), handler)

	rec := get(r, "/api/v1/clients/client1/billing-cycles/current?at=2024-03-13")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var period api.PeriodResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &period); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if period.PeriodStartDate != "2024-03-11" {
		t.Errorf("Expected 2024-03-11, got %s", period.PeriodStartDate)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing-schedules/preview", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty preview body, got %d", rec.Code)
	}
}

func TestGinPath(t *testing.T) {
	got := ginPath("/clients/{clientID}/billing-cycles/{cycleID}/invoice")
	if got != "/clients/:clientID/billing-cycles/:cycleID/invoice" {
		t.Errorf("Unexpected path %q", got)
	}
}
