package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/regreport/eclbatch/internal/checkpoint"
	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/pipeline"
	"github.com/regreport/eclbatch/internal/platform/auth"
	"github.com/regreport/eclbatch/internal/platform/httpserver"
	"github.com/regreport/eclbatch/internal/repo"
	"github.com/regreport/eclbatch/internal/service/approval"
	"github.com/regreport/eclbatch/internal/stream"
)

const maxBodyBytes = 1 << 16

type orchestratorAPI struct {
	logger      *slog.Logger
	pipelines   *pipeline.Orchestrator
	events      *stream.Gateway
	checkpoints checkpoint.Store
	approvals   *approval.Service
	// baseCtx outlives requests; pipelines started over HTTP run on it.
	baseCtx   context.Context
	heartbeat time.Duration
}

func newOrchestratorAPI(
	baseCtx context.Context,
	logger *slog.Logger,
	pipelines *pipeline.Orchestrator,
	events *stream.Gateway,
	checkpoints checkpoint.Store,
	approvals *approval.Service,
) *orchestratorAPI {
	return &orchestratorAPI{
		logger:      logger,
		pipelines:   pipelines,
		events:      events,
		checkpoints: checkpoints,
		approvals:   approvals,
		baseCtx:     baseCtx,
		heartbeat:   stream.DefaultHeartbeat,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /pipelines/{date}/stream", api.handleStreamPipeline)
	mux.HandleFunc("POST /pipelines/{date}/run", api.handleRunPipeline)
	mux.HandleFunc("GET /pipelines/{date}/events", api.handleAttachPipeline)
	mux.HandleFunc("GET /pipelines/{date}/progress", api.handleGetProgress)
	mux.HandleFunc("GET /steps", api.handleListSteps)

	mux.HandleFunc("PUT /runs/{run_key}/approval", api.handleSetApproval)
	mux.HandleFunc("GET /dates/{date}/approved-run", api.handleGetApprovedRun)
	mux.HandleFunc("GET /dates/{date}/runs", api.handleListRuns)
}

func (api *orchestratorAPI) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	date, ok := api.dateParam(w, r)
	if !ok {
		return
	}
	inv, err := api.pipelines.Start(api.baseCtx, date)
	if err != nil {
		api.writeStartError(w, r, date, err)
		return
	}
	res, err := inv.Wait(r.Context())
	if err != nil {
		api.logger.Info("run request gone before pipeline finished", "date", date.String(), "error", err)
		return
	}
	api.writeJSON(w, http.StatusOK, res)
}

func (api *orchestratorAPI) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	date, ok := api.dateParam(w, r)
	if !ok {
		return
	}
	cp, err := api.checkpoints.Read(r.Context(), date)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoProgress) {
			api.writeError(w, r, http.StatusNotFound, "no_progress")
			return
		}
		api.logger.Error("read checkpoint failed", "date", date.String(), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint": cp,
		"in_flight":  api.pipelines.InFlight(date),
	})
}

func (api *orchestratorAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"steps": api.pipelines.Steps()})
}

type setApprovalRequest struct {
	Approved *bool `json:"approved"`
}

func (api *orchestratorAPI) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	runKey, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("run_key")), 10, 64)
	if err != nil || runKey <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run_key")
		return
	}

	var req setApprovalRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Approved == nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	rec, err := api.approvals.SetApproval(r.Context(), runKey, *req.Approved, approval.AuditInfo{
		Actor:     identity.Actor(),
		RequestID: requestID,
		IP:        requestIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	})
	switch {
	case err == nil:
		api.writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, approval.ErrActorRequired):
		api.writeError(w, r, http.StatusBadRequest, "actor_required")
	case errors.Is(err, approval.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "approval_conflict")
	default:
		api.logger.Error("set approval failed", "run_key", runKey, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *orchestratorAPI) handleGetApprovedRun(w http.ResponseWriter, r *http.Request) {
	date, ok := api.dateParam(w, r)
	if !ok {
		return
	}
	rec, err := api.approvals.LatestApproved(r.Context(), date)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("approved run lookup failed", "date", date.String(), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, rec)
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	date, ok := api.dateParam(w, r)
	if !ok {
		return
	}
	runs, err := api.approvals.ListRuns(r.Context(), date)
	if err != nil {
		api.logger.Error("list runs failed", "date", date.String(), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (api *orchestratorAPI) dateParam(w http.ResponseWriter, r *http.Request) (domain.BusinessDate, bool) {
	date, err := domain.ParseBusinessDate(r.PathValue("date"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_date")
		return "", false
	}
	return date, true
}

func (api *orchestratorAPI) writeStartError(w http.ResponseWriter, r *http.Request, date domain.BusinessDate, err error) {
	if errors.Is(err, pipeline.ErrPipelineInFlight) {
		api.writeError(w, r, http.StatusConflict, "pipeline_in_flight")
		return
	}
	if errors.Is(err, pipeline.ErrShuttingDown) {
		api.writeError(w, r, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	api.logger.Error("pipeline start failed", "date", date.String(), "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, payload any) {
	httpserver.WriteJSON(w, status, payload)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	httpserver.WriteError(w, r, status, code)
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
