package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/interruption"
	"github.com/BTreeMap/PrayerPipe/internal/lifecycle"
	"github.com/BTreeMap/PrayerPipe/internal/models"
	"github.com/BTreeMap/PrayerPipe/internal/navigation"
	"github.com/BTreeMap/PrayerPipe/internal/onboarding"
)

type createFlowRequest struct {
	UserID string `json:"user_id"`
}

type dataRequest struct {
	Data map[string]any `json:"data"`
}

type draftRequest struct {
	FormData       map[string]any `json:"form_data"`
	ScrollPosition *float64       `json:"scroll_position,omitempty"`
	ActiveElement  string         `json:"active_element,omitempty"`
}

type eventRequest struct {
	EventType  string         `json:"event_type"`
	Properties map[string]any `json:"properties,omitempty"`
}

type deepLinkRequest struct {
	URL string `json:"url"`
}

type lifecycleRequest struct {
	AppState lifecycle.AppState `json:"app_state,omitempty"`
	Online   *bool              `json:"online,omitempty"`
}

// TransitionResponse is the result of a navigation request.
type TransitionResponse struct {
	Transition flow.TransitionResult `json:"transition"`
	Flow       FlowInfo              `json:"flow"`
}

// DeepLinkResponse is the result of a deep link request.
type DeepLinkResponse struct {
	Link navigation.Link `json:"link"`
	Flow FlowInfo        `json:"flow"`
}

func (sess *session) info() FlowInfo {
	return FlowInfo{Handle: sess.handle, UserID: sess.userID, Snapshot: sess.flow.Snapshot()}
}

// withSession resolves the {id} route variable and runs fn with the session
// locked and a bounded context. A panic in fn leaves a crash record behind,
// drops the session and answers 500.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sess *session)) {
	sess, err := s.lookup(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Server.withSession: flow operation panicked", "handle", sess.handle, "userID", sess.userID, "panic", rec)
			s.crashed(sess)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("flow crashed; create it again to recover"))
		}
	}()
	sess.flow.Preservation().Guard(func() { fn(ctx, sess) })
}

// writeFlowError writes err together with the current flow view.
func writeFlowError(w http.ResponseWriter, err error, sess *session) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Server.writeFlowError: flow operation failed", "handle", sess.handle, "error", err)
	}
	writeJSONResponse(w, status, models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusError).
		WithMessage(err.Error()).
		WithResult(sess.info()).
		Build())
}

// writeTransition reports a navigation outcome. Validation failures carry their
// errors; action failures have already moved the flow into the error state.
func writeTransition(w http.ResponseWriter, res flow.TransitionResult, err error, sess *session) {
	body := TransitionResponse{Transition: res, Flow: sess.info()}
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(body))
	case res.ActionErr != nil:
		writeJSONResponse(w, http.StatusBadGateway, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(res.ActionErr.Error()).
			WithResult(body).
			Build())
	case len(res.Errors) > 0:
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Invalid(res.Errors, body))
	default:
		writeFlowError(w, err, sess)
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("no route for %s", r.URL.Path)))
}

func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error(fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"flows": n}))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.list()))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	sess, created, err := s.open(ctx, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	sess.mu.Lock()
	info := sess.info()
	sess.mu.Unlock()
	writeJSONResponse(w, status, models.Success(info))
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		writeJSONResponse(w, http.StatusOK, models.Success(sess.info()))
	})
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.remove(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	info := sess.info()
	if err := sess.flow.Stop(r.Context()); err != nil {
		writeFlowError(w, fmt.Errorf("failed to stop flow: %w", err), sess)
		return
	}
	slog.Info("Server.deleteFlowHandler: flow stopped", "handle", sess.handle)
	writeJSONResponse(w, http.StatusOK, models.Success(info))
}

func (s *Server) nextHandler(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		res, err := sess.flow.NavigateNext(ctx, req.Data)
		if errors.Is(err, models.ErrUnknownAnswer) || errors.Is(err, models.ErrInvalidAnswer) {
			writeFlowError(w, err, sess)
			return
		}
		writeTransition(w, res, err, sess)
	})
}

func (s *Server) previousHandler(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		res, err := sess.flow.NavigatePrevious(ctx)
		writeTransition(w, res, err, sess)
	})
}

func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		res, err := sess.flow.SkipStep(ctx)
		writeTransition(w, res, err, sess)
	})
}

func (s *Server) saveDataHandler(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		if err := sess.flow.SaveStepData(ctx, req.Data); err != nil {
			writeFlowError(w, err, sess)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(sess.info()))
	})
}

func (s *Server) stepDataHandler(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["step"]
	step, ok := models.ParseState(raw)
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", models.ErrUnknownState, raw))
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		data, err := sess.flow.GetStepData(ctx, step)
		if err != nil {
			writeFlowError(w, err, sess)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"step": step, "data": data}))
	})
}

func (s *Server) saveDraftHandler(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		extra := &interruption.Extra{ScrollPosition: req.ScrollPosition, ActiveElement: req.ActiveElement}
		if err := sess.flow.SaveDraft(ctx, req.FormData, extra); err != nil {
			writeFlowError(w, err, sess)
			return
		}
		draft, err := sess.flow.Draft(ctx, sess.flow.Snapshot().CurrentState)
		if err != nil {
			writeFlowError(w, err, sess)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(draft))
	})
}

// flowAction adapts a facade operation without a result into a handler.
func (s *Server) flowAction(name string, op func(ctx context.Context, sess *session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.withSession(w, r, func(ctx context.Context, sess *session) {
			err := op(ctx, sess)
			if errors.Is(err, onboarding.ErrRecoveryQueued) {
				writeJSONResponse(w, http.StatusAccepted, models.Queued(sess.info()))
				return
			}
			if err != nil {
				slog.Debug("Server.flowAction: operation failed", "op", name, "handle", sess.handle, "error", err)
				writeFlowError(w, err, sess)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(sess.info()))
		})
	}
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	s.flowAction("pause", func(ctx context.Context, sess *session) error { return sess.flow.PauseFlow(ctx) })(w, r)
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	s.flowAction("resume", func(ctx context.Context, sess *session) error { return sess.flow.ResumeFlow(ctx) })(w, r)
}

func (s *Server) restartHandler(w http.ResponseWriter, r *http.Request) {
	s.flowAction("restart", func(ctx context.Context, sess *session) error { return sess.flow.RestartFlow(ctx) })(w, r)
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	s.flowAction("complete", func(ctx context.Context, sess *session) error { return sess.flow.CompleteFlow(ctx) })(w, r)
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	s.flowAction("retry", func(ctx context.Context, sess *session) error { return sess.flow.Retry(ctx) })(w, r)
}

func (s *Server) clearErrorHandler(w http.ResponseWriter, r *http.Request) {
	s.flowAction("clear-error", func(ctx context.Context, sess *session) error { return sess.flow.ClearError(ctx) })(w, r)
}

func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.EventType == "" {
		writeError(w, models.ErrEmptyEventType)
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		res := sess.flow.TrackEvent(ctx, req.EventType, req.Properties)
		switch {
		case res.Err != nil:
			writeFlowError(w, res.Err, sess)
		case res.Queued:
			writeJSONResponse(w, http.StatusAccepted, models.Queued(map[string]any{"event_type": req.EventType}))
		default:
			writeJSONResponse(w, http.StatusCreated, models.Success(map[string]any{"event_type": req.EventType}))
		}
	})
}

func (s *Server) deepLinkHandler(w http.ResponseWriter, r *http.Request) {
	var req deepLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.URL == "" {
		writeError(w, models.ErrEmptyDeepLink)
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		link, err := sess.flow.HandleDeepLink(ctx, req.URL)
		if errors.Is(err, onboarding.ErrRecoveryQueued) {
			writeJSONResponse(w, http.StatusAccepted, models.Queued(DeepLinkResponse{Link: link, Flow: sess.info()}))
			return
		}
		if err != nil {
			writeFlowError(w, err, sess)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(DeepLinkResponse{Link: link, Flow: sess.info()}))
	})
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		report, err := sess.flow.SyncNow(ctx)
		if err != nil {
			writeFlowError(w, err, sess)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(report))
	})
}

// lifecycleHandler drives the app state and connectivity of a flow whose
// sources are the in-process monitors.
func (s *Server) lifecycleHandler(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	switch req.AppState {
	case "", lifecycle.StateActive, lifecycle.StateInactive, lifecycle.StateBackground:
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown app state %q", req.AppState)))
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session) {
		if req.AppState != "" {
			app, ok := sess.flow.App().(*lifecycle.AppMonitor)
			if !ok {
				writeJSONResponse(w, http.StatusConflict, models.Error("app state of this flow is not host controlled"))
				return
			}
			app.Set(req.AppState)
		}
		if req.Online != nil {
			network, ok := sess.flow.Network().(*lifecycle.NetworkMonitor)
			if !ok {
				writeJSONResponse(w, http.StatusConflict, models.Error("connectivity of this flow is not host controlled"))
				return
			}
			network.SetOnline(*req.Online)
		}
		writeJSONResponse(w, http.StatusOK, models.Success(sess.info()))
	})
}
