package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/DavideF99/Multithread-file-downloader/internal/downloader"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/DavideF99/Multithread-file-downloader/internal/progress"
	"github.com/DavideF99/Multithread-file-downloader/internal/telemetry"
)

// ActiveSource reports the transfers currently in flight. The download
// scheduler implements it.
type ActiveSource interface {
	Active() []downloader.ActiveTask
}

// StatusHandler exposes read-only run state over HTTP: persisted
// progress records, the in-flight task set and a liveness probe.
type StatusHandler struct {
	store     *progress.Store
	active    ActiveSource
	telemetry *telemetry.Telemetry
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(store *progress.Store, active ActiveSource, t *telemetry.Telemetry) *StatusHandler {
	return &StatusHandler{
		store:     store,
		active:    active,
		telemetry: t,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/v1/progress", h.HandleProgress)
	r.Get("/v1/active", h.HandleActive)
	r.Get("/healthz", h.HandleHealthz)

	return r
}

type progressResponse struct {
	Count   int               `json:"count"`
	Records []*progress.State `json:"records"`
}

type activeResponse struct {
	Count int                     `json:"count"`
	Tasks []downloader.ActiveTask `json:"tasks"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleProgress lists every persisted progress record. Finished
// transfers release their records, so this is the set of resumable
// partial downloads.
func (h *StatusHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.store.List(r.Context())
	if err != nil {
		logger.Error("failed to list progress records", "err", err)

		if h.telemetry != nil {
			h.telemetry.RecordSystemError("status_api", "progress_list")
		}

		h.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "failed to list progress records"})

		return
	}

	if records == nil {
		records = []*progress.State{}
	}

	h.writeJSON(w, r, http.StatusOK, progressResponse{Count: len(records), Records: records})
}

// HandleActive reports the tasks the scheduler is downloading right now.
func (h *StatusHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	tasks := []downloader.ActiveTask{}
	if h.active != nil {
		tasks = h.active.Active()
	}

	h.writeJSON(w, r, http.StatusOK, activeResponse{Count: len(tasks), Tasks: tasks})
}

// HandleHealthz answers liveness probes.
func (h *StatusHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// The status line is already out, so all we can do is log.
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
