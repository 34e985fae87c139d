// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the tap
// redemption service. It exposes the machine-facing tap endpoint, the
// browser-facing redirect endpoint, claim confirmation, and the
// reconciliation trigger.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/moclas17/poap.cards/internal/engine"
	errordefs "github.com/moclas17/poap.cards/internal/errors"
	"github.com/moclas17/poap.cards/internal/metrics"
	"github.com/moclas17/poap.cards/internal/model"
	"github.com/moclas17/poap.cards/internal/reconcile"
	"github.com/moclas17/poap.cards/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

// ContextKeyCorrelationID stores the unique ID for request tracking
const ContextKeyCorrelationID ContextKey = "correlationId"

// Mux handles HTTP requests for the tap redemption service.
type Mux struct {
	mux        *http.ServeMux
	engine     *engine.Engine
	worker     *reconcile.Worker // nil when the claim authority is not configured
	s          storage.Store
	metrics    *metrics.Metrics
	cronSecret string
	cronHeader string
	homeURL    string
}

// NewMux creates a new HTTP mux with all service endpoints.
// worker may be nil; the reconciliation trigger then reports unavailable.
// cronHeader names a header a trusted scheduler sets, empty to disable.
func NewMux(e *engine.Engine, worker *reconcile.Worker, s storage.Store, cronSecret, cronHeader, homeURL string) *http.ServeMux {
	m := &Mux{
		mux:        http.NewServeMux(),
		engine:     e,
		worker:     worker,
		s:          s,
		metrics:    metrics.NewMetrics(),
		cronSecret: cronSecret,
		cronHeader: cronHeader,
		homeURL:    homeURL,
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/tap", m.method("GET", m.withMiddleware(m.handleTap)))
	m.mux.HandleFunc("/r", m.method("GET", m.withMiddleware(m.handleBrowserTap)))
	m.mux.HandleFunc("/v1/claim/confirm", m.method("POST", m.withMiddleware(m.handleConfirm)))
	m.mux.HandleFunc("/v1/reconcile/run", m.method("POST", m.withMiddleware(m.handleReconcileRun)))
	m.mux.HandleFunc("/v1/drops/", m.method("GET", m.withMiddleware(m.handleDropStats)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.TAP_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies correlation ID propagation and request logging.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)

		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", sw.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", sw.status)).Observe(time.Since(start).Seconds())
		m.logRequest(r, sw.status, time.Since(start), correlationID)
	}
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A lookup for a nonexistent card exercises store connectivity;
	// ErrNotFound proves the backend answered.
	_, err := m.s.GetCardByUID(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleTap handles GET /v1/tap, the machine-facing tap endpoint.
// Terminal outcomes (including local error reasons) are 200s with the reason
// in the body; only infrastructure failures surface as 5xx.
func (m *Mux) handleTap(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tap-redemption-service").Start(r.Context(), "handleTap")
	defer span.End()

	resp, err := m.engine.Tap(ctx, r.URL.Query())
	span.SetAttributes(
		attribute.String("tap.status", string(resp.Status)),
		attribute.String("tap.reason", string(resp.Reason)),
	)

	status := http.StatusOK
	if err != nil {
		span.SetStatus(codes.Error, string(resp.Reason))
		slog.Error("tap failed", "reason", resp.Reason, "error", err)
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// tapPage is rendered for taps that arrive from a phone browser and did not
// end in a redirect.
var tapPage = template.Must(template.New("tap").Parse(`<!DOCTYPE html>
<html>
  <head>
    <title>{{.Title}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
      body { font-family: Arial, sans-serif; text-align: center; padding: 40px; background: #f5f5f5; }
      .container { max-width: 400px; margin: 0 auto; background: white; padding: 30px; border-radius: 12px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
      .emoji { font-size: 48px; margin-bottom: 20px; }
      h1 { color: {{.Color}}; margin-bottom: 15px; }
      p { color: #666; line-height: 1.5; margin-bottom: 20px; }
      .btn { background: #6E56CF; color: white; padding: 12px 24px; text-decoration: none; border-radius: 8px; display: inline-block; }
    </style>
  </head>
  <body>
    <div class="container">
      <div class="emoji">{{.Emoji}}</div>
      <h1>{{.Heading}}</h1>
      <p>{{.Message}}</p>
      <a href="{{.HomeURL}}" class="btn">Visit POAP Card</a>
    </div>
  </body>
</html>
`))

type tapPageData struct {
	Title   string
	Color   string
	Emoji   string
	Heading string
	Message string
	HomeURL string
}

// reasonMessages are the human-readable explanations shown on the error page.
var reasonMessages = map[model.TapReason]string{
	model.ReasonUnclaimedCard:    "This card has not been claimed yet.",
	model.ReasonUnassignedDrop:   "This card is not assigned to any POAP drop.",
	model.ReasonNoCodes:          "No POAP codes available for this drop.",
	model.ReasonSDMInvalid:       "Invalid card signature. This may be a cloned card.",
	model.ReasonMissingSDMParams: "Invalid card tap. Please try again.",
	model.ReasonDatabaseError:    "Database error. Please try again later.",
	model.ReasonInternalError:    "Internal error. Please try again later.",
}

// handleBrowserTap handles GET /r, the endpoint encoded on the physical
// tags. A served tap redirects straight to the claim URL; everything else
// renders a small status page.
func (m *Mux) handleBrowserTap(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tap-redemption-service").Start(r.Context(), "handleBrowserTap")
	defer span.End()

	resp, err := m.engine.Tap(ctx, r.URL.Query())
	if err != nil {
		slog.Error("browser tap failed", "reason", resp.Reason, "error", err)
	}

	w.Header().Set("Cache-Control", "no-store")

	switch {
	case resp.Status == model.StatusServed && resp.ClaimURL != "":
		http.Redirect(w, r, resp.ClaimURL, http.StatusFound)
		return

	case resp.Status == model.StatusMinted:
		m.renderTapPage(w, http.StatusOK, tapPageData{
			Title:   "POAP Already Claimed",
			Color:   "#6E56CF",
			Emoji:   "✅",
			Heading: "POAP Already Claimed",
			Message: "This POAP has already been claimed by another wallet.",
			HomeURL: m.homeURL,
		})
		return
	}

	message, ok := reasonMessages[resp.Reason]
	if !ok {
		message = "Unknown error occurred."
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	m.renderTapPage(w, status, tapPageData{
		Title:   "POAP Card Error",
		Color:   "#dc2626",
		Emoji:   "❌",
		Heading: "Card Error",
		Message: message,
		HomeURL: m.homeURL,
	})
}

func (m *Mux) renderTapPage(w http.ResponseWriter, status int, data tapPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tapPage.Execute(w, data); err != nil {
		slog.Error("failed to render tap page", "error", err)
	}
}

// handleConfirm handles POST /v1/claim/confirm, reported by the claim page
// once the claimant finished redemption with their wallet.
func (m *Mux) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tap-redemption-service").Start(r.Context(), "handleConfirm")
	defer span.End()
	defer r.Body.Close()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	var req model.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.TAP_VALIDATION, "invalid JSON", correlationID))
		return
	}

	span.SetAttributes(attribute.String("code.id", req.CodeID))

	resp, errDef := m.engine.Confirm(ctx, req, correlationID)
	if errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}

	m.writeSuccess(w, http.StatusOK, resp)
}

// handleReconcileRun handles POST /v1/reconcile/run, the externally
// triggered reconciliation pass. Guarded by the shared cron secret.
func (m *Mux) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tap-redemption-service").Start(r.Context(), "handleReconcileRun")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	if !m.authorizeCron(r) {
		span.SetStatus(codes.Error, "unauthorized")
		m.writeErrorDef(w, errordefs.New(errordefs.TAP_AUTHN, "invalid or missing credentials", correlationID))
		return
	}

	if m.worker == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.TAP_UNAVAILABLE, "claim authority is not configured", correlationID))
		return
	}

	stats, err := m.worker.Run(ctx, "manual")
	if err != nil {
		span.SetStatus(codes.Error, "run failed")
		m.writeErrorDef(w, errordefs.New(errordefs.TAP_INTERNAL, "reconciliation run failed", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, stats)
}

// authorizeCron authenticates the reconciliation trigger: either the shared
// bearer secret or the trusted scheduler's marker header. With neither
// configured the endpoint is disabled rather than open.
func (m *Mux) authorizeCron(r *http.Request) bool {
	if m.cronHeader != "" && r.Header.Get(m.cronHeader) == "1" {
		return true
	}
	if m.cronSecret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.cronSecret)) == 1
}

// handleDropStats handles GET /v1/drops/{id}/stats.
func (m *Mux) handleDropStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tap-redemption-service").Start(r.Context(), "handleDropStats")
	defer span.End()

	correlationID, _ := ctx.Value(ContextKeyCorrelationID).(string)

	rest := strings.TrimPrefix(r.URL.Path, "/v1/drops/")
	dropID, suffix, found := strings.Cut(rest, "/")
	if !found || suffix != "stats" || dropID == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.TAP_NOT_FOUND, "not found", correlationID))
		return
	}

	span.SetAttributes(attribute.String("drop.id", dropID))

	stats, errDef := m.engine.DropStats(ctx, dropID, correlationID)
	if errDef != nil {
		span.SetStatus(codes.Error, errDef.Message)
		m.writeErrorDef(w, errDef)
		return
	}

	m.writeSuccess(w, http.StatusOK, stats)
}
