package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/featureserver/internal/conference"
	"github.com/ent0n29/featureserver/internal/config"
	"github.com/ent0n29/featureserver/internal/observability"
	"github.com/ent0n29/featureserver/internal/session"
	"github.com/ent0n29/featureserver/internal/store"
	"github.com/ent0n29/featureserver/internal/taskruntime"
)

const readyTimeout = 2 * time.Second

// Calls is the call runtime the API drives.
type Calls interface {
	Admit(ctx context.Context, in taskruntime.InboundCall) (*session.Call, error)
	Hangup(callSID string) error
	NotifyStartConference(callSID, hostAddress string) error
}

type Server struct {
	cfg      config.Config
	calls    Calls
	sessions *session.Manager
	store    store.Store
}

func New(cfg config.Config, calls Calls, sessions *session.Manager, st store.Store) *Server {
	return &Server{
		cfg:      cfg,
		calls:    calls,
		sessions: sessions,
		store:    st,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/startConference/{callSid}", s.handleStartConference)
	r.Post("/v1/calls", s.handleAdmitCall)
	r.Post("/v1/calls/{callSid}/hangup", s.handleHangup)
	r.Get("/v1/calls/{callSid}", s.handleGetCall)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/conferences/{accountSid}/{name}", s.handleGetConference)
	r.Get("/v1/conferences/{accountSid}/{name}/waitlist", s.handleGetWaitList)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"store_backend": s.storeBackend(),
		"media_mode":    s.cfg.MediaMode,
		"active_calls":  s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_backend": s.storeBackend(),
		"media_mode":    s.cfg.MediaMode,
	})
}

type startConferenceRequest struct {
	ConferenceSipAddress string `json:"conferenceSipAddress"`
}

// handleStartConference is the wait-list callback: the process that started a
// conference posts here for every call waiting on it.
func (s *Server) handleStartConference(w http.ResponseWriter, r *http.Request) {
	callSID := strings.TrimSpace(chi.URLParam(r, "callSid"))
	var req startConferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ConferenceSipAddress = strings.TrimSpace(req.ConferenceSipAddress)
	if req.ConferenceSipAddress == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "conferenceSipAddress is required")
		return
	}
	if err := s.calls.NotifyStartConference(callSID, req.ConferenceSipAddress); err != nil {
		respondError(w, http.StatusNotFound, "call_not_waiting", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type admitCallResponse struct {
	CallSID string `json:"call_sid"`
	CallID  string `json:"call_id"`
}

func (s *Server) handleAdmitCall(w http.ResponseWriter, r *http.Request) {
	var req taskruntime.InboundCall
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.CallID = strings.TrimSpace(req.CallID)
	if req.CallID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "call_id is required")
		return
	}

	call, err := s.calls.Admit(r.Context(), req)
	if err != nil {
		var rej *taskruntime.Rejection
		if errors.As(err, &rej) {
			respondError(w, http.StatusUnprocessableEntity, "call_rejected", rej.Reason)
			return
		}
		respondError(w, http.StatusInternalServerError, "admission_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, admitCallResponse{CallSID: call.CallSID(), CallID: req.CallID})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callSID := strings.TrimSpace(chi.URLParam(r, "callSid"))
	if err := s.calls.Hangup(callSID); err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"call_sid": callSID, "status": "hangup"})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.sessions.Get(strings.TrimSpace(chi.URLParam(r, "callSid")))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call.Summary())
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"calls": s.sessions.List()})
}

type conferenceResponse struct {
	Name        string    `json:"name"`
	HostAddress string    `json:"host_address"`
	StartTime   time.Time `json:"start_time"`
	// The status hook is omitted since it may carry credentials.
	StatusEvents []string `json:"status_events,omitempty"`
}

func (s *Server) handleGetConference(w http.ResponseWriter, r *http.Request) {
	key := conferenceKey(r)
	d, err := s.store.Read(r.Context(), key)
	if err != nil {
		s.respondStoreError(w, err, "conference_not_found")
		return
	}
	respondJSON(w, http.StatusOK, conferenceResponse{
		Name:         key,
		HostAddress:  d.HostAddress,
		StartTime:    d.StartTime,
		StatusEvents: d.StatusEvents,
	})
}

func (s *Server) handleGetWaitList(w http.ResponseWriter, r *http.Request) {
	key := conferenceKey(r)
	members, err := s.store.List(r.Context(), conference.WaitListKey(key))
	if err != nil {
		s.respondStoreError(w, err, "conference_not_found")
		return
	}
	if members == nil {
		members = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"name": key, "members": members})
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error, notFoundCode string) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, notFoundCode, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "store_error", err.Error())
}

func conferenceKey(r *http.Request) string {
	return conference.RegistryKey(chi.URLParam(r, "accountSid"), chi.URLParam(r, "name"))
}

func (s *Server) storeBackend() string {
	if s.store == nil {
		return "disabled"
	}
	return s.store.Backend()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
