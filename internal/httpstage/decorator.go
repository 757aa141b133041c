// Package httpstage exposes pipeline stages as HTTP handlers that answer CORS
// preflight, decode the stage request, map errors to status codes, and report
// outcomes to a notification sink without delaying the response.
package httpstage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/background"
	"github.com/JakeFAU/site-audit-pipeline/internal/metrics"
	"github.com/JakeFAU/site-audit-pipeline/internal/notify"
)

const (
	allowOrigin    = "*"
	allowHeaders   = "authorization, x-client-info, apikey, content-type, x-api-key"
	allowMethods   = "POST, OPTIONS"
	defaultMaxBody = 1 << 20
)

// StageFunc runs one stage for a decoded request.
type StageFunc func(ctx context.Context, req audit.StageRequest) (map[string]any, error)

// Options carries the decorator's collaborators. Nil fields get no-op defaults.
type Options struct {
	Notifier     notify.Notifier
	Supervisor   *background.Supervisor
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
}

type handler struct {
	stage string
	fn    StageFunc
	opts  Options
}

// Wrap decorates fn as the HTTP handler for stage.
func Wrap(stage string, fn StageFunc, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("httpstage").With(zap.String("stage", stage))
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	if opts.Supervisor == nil {
		opts.Supervisor = background.New(opts.Logger, 0)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	return &handler{stage: stage, fn: fn, opts: opts}
}

// SetCORSHeaders writes the permissive CORS headers every stage response carries.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Access-Control-Allow-Headers", allowHeaders)
	h.Set("Access-Control-Allow-Methods", allowMethods)
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	SetCORSHeaders(w.Header())
	switch r.Method {
	case http.MethodOptions:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", allowMethods)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	start := time.Now()
	req, err := decodeRequest(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		h.fail(r.Context(), w, err, start)
		return
	}

	// Stage work outlives a disconnected client; fetches carry their own deadlines.
	result, err := h.fn(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.fail(r.Context(), w, err, start)
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	h.opts.Metrics.ObserveStage(h.stage, metrics.OutcomeSuccess, time.Since(start))
	writeJSON(w, http.StatusOK, result)

	snapshot := maps.Clone(result)
	h.opts.Supervisor.Go(r.Context(), "notify-success:"+h.stage, func(ctx context.Context) error {
		return h.opts.Notifier.NotifySuccess(ctx, h.stage, snapshot)
	})
}

func (h *handler) fail(ctx context.Context, w http.ResponseWriter, err error, start time.Time) {
	status := StatusFor(err)
	outcome := metrics.OutcomeFailure
	if status == http.StatusBadRequest {
		outcome = metrics.OutcomeInvalid
		h.opts.Logger.Warn("stage rejected request", zap.Error(err))
	} else {
		h.opts.Logger.Error("stage failed", zap.Error(err))
	}
	h.opts.Metrics.ObserveStage(h.stage, outcome, time.Since(start))
	writeJSON(w, status, map[string]string{"error": err.Error()})

	h.opts.Supervisor.Go(ctx, "notify-failure:"+h.stage, func(ctx context.Context) error {
		return h.opts.Notifier.NotifyFailure(ctx, h.stage, err)
	})
}

// StatusFor maps a stage error to its HTTP status.
func StatusFor(err error) int {
	if audit.IsValidation(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeRequest(body io.Reader) (audit.StageRequest, error) {
	var req audit.StageRequest
	if body == nil {
		return req, nil
	}
	err := json.NewDecoder(body).Decode(&req)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return req, nil
	default:
		return audit.StageRequest{}, &audit.ValidationError{Message: "invalid JSON body: " + err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
