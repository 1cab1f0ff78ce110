package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/platform/httpserver"
	"github.com/regreport/eclbatch/internal/stream"
)

type streamReady struct {
	Date      domain.BusinessDate `json:"date"`
	ServerTS  int64               `json:"server_ts"`
	RequestID string              `json:"request_id,omitempty"`
	Attached  bool                `json:"attached"`
}

// handleStreamPipeline starts the pipeline and streams it. The pipeline keeps
// running when the client disconnects.
func (api *orchestratorAPI) handleStreamPipeline(w http.ResponseWriter, r *http.Request) {
	date, ok := api.dateParam(w, r)
	if !ok {
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}
	_, sub, err := api.pipelines.StartObserved(api.baseCtx, date)
	if err != nil {
		api.writeStartError(w, r, date, err)
		return
	}
	api.serve(w, r, sub, false)
}

// handleAttachPipeline follows an invocation started elsewhere.
func (api *orchestratorAPI) handleAttachPipeline(w http.ResponseWriter, r *http.Request) {
	date, ok := api.dateParam(w, r)
	if !ok {
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}
	// Subscribe before checking so a finishing invocation closes us.
	sub := api.events.Subscribe(date)
	if !api.pipelines.InFlight(date) {
		sub.Close()
		api.writeError(w, r, http.StatusNotFound, "not_in_flight")
		return
	}
	api.serve(w, r, sub, true)
}

func (api *orchestratorAPI) serve(w http.ResponseWriter, r *http.Request, sub *stream.Subscription, attached bool) {
	defer sub.Close()
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	ready := streamReady{
		Date:      sub.Date(),
		ServerTS:  time.Now().UTC().Unix(),
		RequestID: requestID,
		Attached:  attached,
	}
	err := stream.ServeSSE(r.Context(), w, sub, ready, api.heartbeat)
	switch {
	case err == nil:
		if sub.Dropped() {
			api.logger.Warn("stream observer fell behind", "date", sub.Date().String(), "request_id", requestID)
		}
	case errors.Is(err, context.Canceled):
		api.logger.Info("stream observer disconnected", "date", sub.Date().String(), "request_id", requestID)
	default:
		api.logger.Warn("stream write failed", "date", sub.Date().String(), "request_id", requestID, "error", err)
	}
}
