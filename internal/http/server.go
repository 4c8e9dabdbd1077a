package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyatt727/WDFWatch-sub001/internal/log"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

// NewRouter builds the HTTP API over the pipeline controller.
func NewRouter(ctrl *pipeline.Controller, store storage.Store) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", listRunsHandler(store))
		r.Route("/pipeline/{episodeID}", func(r chi.Router) {
			r.Post("/start", startHandler(ctrl))
			r.Post("/pause", pauseHandler(ctrl))
			r.Post("/resume", resumeHandler(ctrl))
			r.Post("/cancel", cancelHandler(ctrl))
			r.Post("/validate", validateHandler(ctrl))
			r.Get("/status", statusHandler(ctrl))
			r.Get("/errors", errorsHandler(ctrl, store))
		})
	})
	return r
}

// StartServer runs the API server until the listener fails.
func StartServer(port string, ctrl *pipeline.Controller, store storage.Store) error {
	log.GetLogger().Infof("Starting pipeline server on :%s", port)
	return http.ListenAndServe(":"+port, NewRouter(ctrl, store))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	Force             bool   `json:"force"`
	SkipValidation    bool   `json:"skip_validation"`
	RetryFailedStages bool   `json:"retry_failed_stages"`
	MaxRetries        int    `json:"max_retries"`
	Concurrency       string `json:"concurrency"`
}

func startHandler(ctrl *pipeline.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		var req startRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		run, err := ctrl.Start(r.Context(), episodeID, pipeline.StartOptions{
			Force:             req.Force,
			SkipValidation:    req.SkipValidation,
			RetryFailedStages: req.RetryFailedStages,
			MaxRetries:        req.MaxRetries,
			Concurrency:       pipeline.Concurrency(req.Concurrency),
		})
		if err != nil {
			log.GetLogger().Errorf("Failed to start pipeline for episode %d: %v", episodeID, err)
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	}
}

func pauseHandler(ctrl *pipeline.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		if err := ctrl.Pause(episodeID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	}
}

type resumeRequest struct {
	FromStage string `json:"from_stage"`
}

func resumeHandler(ctrl *pipeline.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		var req resumeRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		run, err := ctrl.Resume(episodeID, req.FromStage)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func cancelHandler(ctrl *pipeline.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		if err := ctrl.Cancel(episodeID); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func validateHandler(ctrl *pipeline.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		writeJSON(w, http.StatusOK, ctrl.Validate(ctx, episodeID))
	}
}

func statusHandler(ctrl *pipeline.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		run, err := ctrl.Status(episodeID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "no runs for episode")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func errorsHandler(ctrl *pipeline.Controller, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		episodeID, ok := episodeID(w, r)
		if !ok {
			return
		}
		run, err := ctrl.Status(episodeID)
		if err != nil || run == nil {
			writeError(w, http.StatusNotFound, "no runs for episode")
			return
		}
		contexts, err := store.ListErrorContexts(run.RunID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, contexts)
	}
}

func listRunsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		runs, err := store.ListRuns()
		if err != nil {
			log.GetLogger().Errorf("Failed to list runs: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func episodeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "episodeID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid episode ID")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
