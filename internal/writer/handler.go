package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"daq-writer/internal/daq"
	"daq-writer/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// SlotCounter reports how many slots of the slot buffer are free.
type SlotCounter interface {
	FreeSlots() int
}

// Handler exposes the writer control endpoints using go-chi.
type Handler struct {
	manager *Manager
	slots   SlotCounter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler for manager. slots may be nil when no buffer
// exists yet; metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(manager *Manager, slots SlotCounter, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{manager: manager, slots: slots, log: log, metrics: m}
}

// Routes registers the control endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/statistics", h.GetStatistics)
	r.Get("/output_file", h.GetOutputFile)
	r.Get("/parameters", h.GetParameters)
	r.Post("/parameters", h.SetParameters)
	r.Post("/stop", h.Stop)
	r.Post("/kill", h.Kill)
}

// RefreshGauges updates the gauges that are sampled rather than counted.
func (h *Handler) RefreshGauges() {
	if h.metrics == nil {
		return
	}
	h.metrics.SetRunning(h.manager.IsRunning())
	if h.slots != nil {
		h.metrics.SetBufferFreeSlots(h.slots.FreeSlots())
	}
}

type stateResponse struct {
	State  string `json:"state"`
	Status Status `json:"status"`
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{State: "ok", Status: h.manager.Status()})
}

// GetStatistics handles GET /statistics.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Statistics(time.Now())
	if h.slots != nil {
		stats.NFreeSlots = h.slots.FreeSlots()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetOutputFile handles GET /output_file.
func (h *Handler) GetOutputFile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"output_file": h.manager.OutputFile()})
}

// GetParameters handles GET /parameters.
func (h *Handler) GetParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Parameters())
}

// SetParameters handles POST /parameters.
// Body: { "detector_distance": 1.25, "n_frames": 100 }. Values of required
// parameters must match their declared type; other values are inferred.
func (h *Handler) SetParameters(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		h.log.Debug("invalid parameters body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	params, err := parseParameters(raw, h.manager.ParametersType())
	if err != nil {
		h.log.Info("parameters rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.manager.SetParameters(params)
	h.log.Info("parameters updated", slog.Int("count", len(params)))
	writeJSON(w, http.StatusOK, h.manager.Parameters())
}

// Stop handles POST /stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.manager.Stop()
	writeJSON(w, http.StatusOK, stateResponse{State: "ok", Status: h.manager.Status()})
}

// Kill handles POST /kill.
func (h *Handler) Kill(w http.ResponseWriter, r *http.Request) {
	h.manager.Kill()
	writeJSON(w, http.StatusOK, stateResponse{State: "ok", Status: h.manager.Status()})
}

func parseParameters(raw map[string]any, types map[string]daq.DataType) (map[string]daq.Value, error) {
	params := make(map[string]daq.Value, len(raw))
	var errs []error
	for name, value := range raw {
		var (
			v   daq.Value
			err error
		)
		if t, ok := types[name]; ok {
			v, err = daq.ParseValue(t, value)
		} else {
			v, err = daq.InferValue(value)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("parameter %s: %w", name, err))
			continue
		}
		params[name] = v
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return params, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"state": "error", "status": msg})
}
