package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

const (
	maxClientIDLen = 255
	maxBodyBytes   = 1 << 20
)

// Handler provides HTTP endpoints for billing schedules and cycles:
//
//	GET  /clients/{clientID}/billing-schedule
//	PUT  /clients/{clientID}/billing-schedule
//	POST /clients/{clientID}/billing-schedule/initialize
//	GET  /clients/{clientID}/billing-schedule/preview?referenceDate=&count=
//	POST /billing-schedules/preview
//	GET  /clients/{clientID}/billing-cycles
//	POST /clients/{clientID}/billing-cycles
//	GET  /clients/{clientID}/billing-cycles/current?at=
//	POST /clients/{clientID}/billing-cycles/{cycleID}/invoice
//	GET  /clients/{clientID}/billing-settings
//	PUT  /clients/{clientID}/billing-settings
//
// Every route is prefixed with Config.BasePath.
type Handler struct {
	config   Config
	validate interface{ Struct(any) error }
	mux      *http.ServeMux
}

// Route is one endpoint served by Handler. Path is relative to BasePath and
// uses {name} wildcards.
type Route struct {
	Method string
	Path   string
}

var routeTable = []struct {
	Route
	serve func(*Handler, http.ResponseWriter, *http.Request)
}{
	{Route{http.MethodGet, "/clients/{clientID}/billing-schedule"}, (*Handler).GetSchedule},
	{Route{http.MethodPut, "/clients/{clientID}/billing-schedule"}, (*Handler).UpdateSchedule},
	{Route{http.MethodPost, "/clients/{clientID}/billing-schedule/initialize"}, (*Handler).InitializeSchedule},
	{Route{http.MethodGet, "/clients/{clientID}/billing-schedule/preview"}, (*Handler).PreviewSchedule},
	{Route{http.MethodPost, "/billing-schedules/preview"}, (*Handler).PreviewPeriods},
	{Route{http.MethodGet, "/clients/{clientID}/billing-cycles"}, (*Handler).ListCycles},
	{Route{http.MethodPost, "/clients/{clientID}/billing-cycles"}, (*Handler).CreateNextCycle},
	{Route{http.MethodGet, "/clients/{clientID}/billing-cycles/current"}, (*Handler).CurrentPeriod},
	{Route{http.MethodPost, "/clients/{clientID}/billing-cycles/{cycleID}/invoice"}, (*Handler).MarkInvoiced},
	{Route{http.MethodGet, "/clients/{clientID}/billing-settings"}, (*Handler).GetSettings},
	{Route{http.MethodPut, "/clients/{clientID}/billing-settings"}, (*Handler).UpdateSettings},
}

// Routes lists every endpoint the handler serves, for mounting on routers
// that need explicit registration.
func Routes() []Route {
	routes := make([]Route, len(routeTable))
	for i, rt := range routeTable {
		routes[i] = rt.Route
	}
	return routes
}

func (h *Handler) routes() {
	for _, rt := range routeTable {
		h.mux.HandleFunc(rt.Method+" "+h.config.BasePath+rt.Path, func(w http.ResponseWriter, r *http.Request) {
			rt.serve(h, w, r)
		})
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// GetSchedule returns a client's stored billing configuration
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	schedule, err := h.config.Manager.GetSchedule(r.Context(), clientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, scheduleResponse(schedule))
}

// UpdateSchedule validates and stores a client's billing configuration.
// Existing cycles are not touched.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	var req UpdateScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	anchor, err := req.Anchor.toAnchor()
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	schedule, err := h.config.Manager.UpdateSchedule(r.Context(), clientID, gocycle.CycleType(req.BillingCycle), anchor)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, scheduleResponse(schedule))
}

// InitializeSchedule assigns the default schedule to a client without one
func (h *Handler) InitializeSchedule(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	schedule, created, err := h.config.Manager.InitializeSchedule(r.Context(), clientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := scheduleResponse(schedule)
	resp.Created = &created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, resp)
}

// PreviewSchedule returns upcoming periods of a client's saved schedule
func (h *Handler) PreviewSchedule(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ref, err := h.dateParam(q.Get("referenceDate"), "referenceDate")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	count, err := h.countParam(q.Get("count"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	periods, err := h.config.Manager.PreviewSchedule(r.Context(), clientID, ref, count)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PreviewResponse{Periods: periodResponses(periods)})
}

// PreviewPeriods returns periods for an unsaved configuration. Nothing is stored.
func (h *Handler) PreviewPeriods(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	anchor, err := req.Anchor.toAnchor()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	ref, err := gocycle.ParseDate(req.ReferenceDate)
	if err != nil {
		h.handleError(w, r, &gocycle.ConfigurationError{Field: "referenceDate", Value: req.ReferenceDate, Reason: err.Error()})
		return
	}
	count := req.Count
	if count == 0 {
		count = DefaultPreviewCount
	}
	if err := h.checkCount(count); err != nil {
		h.handleError(w, r, err)
		return
	}

	periods, err := h.config.Manager.PreviewPeriods(r.Context(), gocycle.CycleType(req.BillingCycle), anchor, ref, count)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PreviewResponse{Periods: periodResponses(periods)})
}

// ListCycles returns a client's cycle history
func (h *Handler) ListCycles(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	records, err := h.config.Manager.ListCycles(r.Context(), clientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CyclesResponse{Cycles: cycleResponses(records)})
}

// CreateNextCycle materializes the client's next billing cycle
func (h *Handler) CreateNextCycle(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	record, err := h.config.Manager.CreateNextCycle(r.Context(), clientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cycleResponse(record))
}

// CurrentPeriod returns the period containing "at" (default: today)
func (h *Handler) CurrentPeriod(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	at, err := h.dateParam(r.URL.Query().Get("at"), "at")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	period, err := h.config.Manager.CurrentPeriod(r.Context(), clientID, at)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, periodResponse(period))
}

// MarkInvoiced flags a cycle as invoiced
func (h *Handler) MarkInvoiced(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	if err := h.config.Manager.MarkCycleInvoiced(r.Context(), clientID, r.PathValue("cycleID")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings returns the client's effective billing settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	settings, err := h.config.Manager.EffectiveSettings(r.Context(), clientID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateSettings replaces the client's setting overrides and returns the
// effective result
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.config.Manager.SetClientSettings(r.Context(), clientID, req.toSettings()); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.GetSettings(w, r)
}

func (h *Handler) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID := r.PathValue("clientID")
	if clientID == "" || len(clientID) > maxClientIDLen {
		h.handleError(w, r, gocycle.ErrInvalidClientID)
		return "", false
	}
	return clientID, true
}

// decode reads a JSON body into dst and validates it
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("request body is required")
		}
		h.handleError(w, r, &requestError{err: err})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.handleError(w, r, validationError(err))
		return false
	}
	return true
}

func (h *Handler) dateParam(raw, field string) (time.Time, error) {
	if raw == "" {
		return gocycle.StartOfDayUTC(time.Now()), nil
	}
	t, err := gocycle.ParseDate(raw)
	if err != nil {
		return time.Time{}, &gocycle.ConfigurationError{Field: field, Value: raw, Reason: err.Error()}
	}
	return t, nil
}

func (h *Handler) countParam(raw string) (int, error) {
	if raw == "" {
		return DefaultPreviewCount, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &gocycle.ConfigurationError{Field: "count", Value: raw, Reason: "must be an integer"}
	}
	return count, h.checkCount(count)
}

func (h *Handler) checkCount(count int) error {
	if count > h.config.MaxPreviewCount {
		return &gocycle.ConfigurationError{
			Field: "count", Value: count, Reason: fmt.Sprintf("must not exceed %d", h.config.MaxPreviewCount),
		}
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		h.config.Logger.Warn("failed to encode response", gocycle.Field{Key: "error", Value: err})
	}
}

// requestError marks malformed request bodies
type requestError struct {
	err error
}

func (e *requestError) Error() string { return "invalid request body: " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// StatusCode maps an engine error to an HTTP status code
func StatusCode(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, gocycle.ErrInvalidConfiguration),
		errors.Is(err, gocycle.ErrInvalidCount),
		errors.Is(err, gocycle.ErrInvalidClientID):
		return http.StatusBadRequest
	case errors.Is(err, gocycle.ErrScheduleNotFound),
		errors.Is(err, gocycle.ErrCycleRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, gocycle.ErrOverlap):
		return http.StatusConflict
	case errors.Is(err, gocycle.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, gocycle.ErrCircuitOpen),
		errors.Is(err, gocycle.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusCode(err)
	resp := ErrorResponse{Error: err.Error()}
	var cfgErr *gocycle.ConfigurationError
	if errors.As(err, &cfgErr) {
		resp.Field = cfgErr.Field
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("billing api request failed",
			gocycle.Field{Key: "method", Value: r.Method},
			gocycle.Field{Key: "path", Value: r.URL.Path},
			gocycle.Field{Key: "error", Value: err},
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	h.writeJSON(w, status, resp)
}
