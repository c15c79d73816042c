// Package api exposes upload, pipeline control and retrieval over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/actionable"
	"call-insights-go/internal/aggregator"
	"call-insights-go/internal/docstore"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/metrics"
	"call-insights-go/internal/pipeline"
	"call-insights-go/internal/retrieval"
	"call-insights-go/internal/types"
)

// MaxUploadBytes caps a multipart audio upload.
const MaxUploadBytes = 100 << 20

type Deps struct {
	Intake    *pipeline.Intake
	Trigger   *pipeline.Trigger
	Store     docstore.Store
	Retrieval *retrieval.Service
	Metrics   *metrics.Collector
	Log       *logger.Logger
}

type Server struct {
	intake    *pipeline.Intake
	trigger   *pipeline.Trigger
	store     docstore.Store
	retrieval *retrieval.Service
	metrics   *metrics.Collector
	log       *logger.Logger
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.New()
	}
	return &Server{
		intake:    d.Intake,
		trigger:   d.Trigger,
		store:     d.Store,
		retrieval: d.Retrieval,
		metrics:   d.Metrics,
		log:       d.Log.Component("api"),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("POST /calls", s.upload)
	mux.HandleFunc("GET /calls", s.listCalls)
	mux.HandleFunc("GET /calls/{id}", s.getCall)
	mux.HandleFunc("POST /calls/{id}/transcribe", s.triggerTranscription)
	mux.HandleFunc("POST /calls/{id}/embed", s.triggerEmbedding)
	mux.HandleFunc("POST /calls/{id}/redrive", s.redrive)
	mux.HandleFunc("POST /search", s.search)
	mux.HandleFunc("POST /answer", s.answer)
	mux.HandleFunc("GET /metrics", s.metricsSnapshot)
	mux.HandleFunc("GET /report", s.report)
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.log.WithRequest(r).Debug("health check")
	fmt.Fprint(w, "ok")
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "upload")
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.fail(w, reqLog, fmt.Errorf("%w: parse multipart form: %v", types.ErrInvalidInput, err))
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.fail(w, reqLog, fmt.Errorf("%w: missing audio file", types.ErrInvalidInput))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, reqLog, fmt.Errorf("%w: read audio: %v", types.ErrInvalidInput, err))
		return
	}

	call, err := s.intake.Submit(r.Context(), pipeline.Upload{
		CallID:      r.FormValue("call_id"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Audio:       data,
		CompanyName: r.FormValue("company_name"),
		CallType:    r.FormValue("call_type"),
	})
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	reqLog.WithField("call_id", call.CallID).Info("upload accepted")
	writeJSON(w, http.StatusAccepted, call)
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "list_calls")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, reqLog, fmt.Errorf("%w: limit must be a non-negative integer", types.ErrInvalidInput))
			return
		}
		limit = n
	}
	calls, err := s.store.ListCalls(r.Context(), limit)
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	if calls == nil {
		calls = []*types.Call{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"calls": calls, "total": len(calls)})
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "get_call")
	call, err := s.store.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) triggerTranscription(w http.ResponseWriter, r *http.Request) {
	s.triggerStage(w, r, types.StageTranscription, s.trigger.TriggerTranscription)
}

func (s *Server) triggerEmbedding(w http.ResponseWriter, r *http.Request) {
	s.triggerStage(w, r, types.StageEmbedding, s.trigger.TriggerEmbedding)
}

type queuedResponse struct {
	CallID string      `json:"call_id"`
	Stage  types.Stage `json:"stage"`
	Status string      `json:"status"`
}

func (s *Server) triggerStage(w http.ResponseWriter, r *http.Request, stage types.Stage, trigger func(context.Context, string) error) {
	reqLog := s.log.WithRequest(r).WithField("handler", "trigger").WithField("stage", stage)
	id := r.PathValue("id")
	if err := trigger(r.Context(), id); err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{CallID: id, Stage: stage, Status: "queued"})
}

func (s *Server) redrive(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "redrive")
	call, stage, err := s.trigger.Redrive(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"call": call, "stage": stage, "status": "queued"})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "search")
	var req types.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, reqLog, err)
		return
	}
	resp, err := s.retrieval.Search(r.Context(), req)
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "answer")
	var req types.AnswerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, reqLog, err)
		return
	}
	resp, err := s.retrieval.Answer(r.Context(), req)
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "report")
	calls, err := s.store.ListCalls(r.Context(), 0)
	if err != nil {
		s.fail(w, reqLog, err)
		return
	}
	rep := aggregator.Aggregate(calls)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report":  rep,
		"actions": actionable.Generate(rep),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", types.ErrInvalidInput, err)
	}
	return nil
}

// StatusFor maps pipeline errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrRateLimited), errors.Is(err, types.ErrUnavailable), errors.Is(err, types.ErrMaxRetriesExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, reqLog *logrus.Entry, err error) {
	status := StatusFor(err)
	entry := reqLog.WithField("status", status).WithField("error", err.Error())
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
