package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/PrayerPipe/internal/flow"
	"github.com/BTreeMap/PrayerPipe/internal/models"
)

// Deep link actions.
const (
	ActionNavigate = "navigate"
	ActionResume   = "resume"
	ActionRestart  = "restart"
	ActionSkipTo   = "skip-to"
)

// ErrUnknownLink is returned for URLs that match no onboarding route.
var ErrUnknownLink = errors.New("unknown deep link")

// Link is a parsed deep link.
type Link struct {
	Action string       `json:"action"`
	Target models.State `json:"target,omitempty"`
	Force  bool         `json:"force,omitempty"`
	Params url.Values   `json:"params,omitempty"`
}

// Resumer performs the flow-level deep link actions.
type Resumer interface {
	ResumeFlow(ctx context.Context) error
	RestartFlow(ctx context.Context) error
}

// LinkNavigator is implemented by a Resumer that performs navigation links
// itself, so they get the same bookkeeping as in-app navigation.
type LinkNavigator interface {
	NavigateLink(ctx context.Context, target models.State, opts Options) (flow.TransitionResult, error)
}

// DeepLinkHandler maps onboarding URLs onto the controller.
type DeepLinkHandler struct {
	router     *mux.Router
	controller *Controller
	resumer    Resumer
}

// NewDeepLinkHandler creates a handler. resumer may be nil when resume and restart
// links are not supported.
func NewDeepLinkHandler(controller *Controller, resumer Resumer) *DeepLinkHandler {
	r := mux.NewRouter()
	// Fixed routes first; {step} would match them otherwise.
	r.Path("/onboarding/resume").Name(ActionResume)
	r.Path("/onboarding/restart").Name(ActionRestart)
	r.Path("/onboarding/skip-to").Name(ActionSkipTo)
	r.Path("/onboarding/{step}").Name(ActionNavigate)
	return &DeepLinkHandler{router: r, controller: controller, resumer: resumer}
}

// normalize turns custom-scheme and web links into a routable path and query.
func normalize(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownLink, err)
	}
	p := u.Path
	switch u.Scheme {
	case "", "http", "https":
	default:
		// prayerpipe://onboarding/mood carries the first segment in the host.
		p = "/" + u.Host + u.Path
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = strings.TrimSuffix(p, "/")
	return &url.URL{Scheme: "http", Host: "deeplink.local", Path: p, RawQuery: u.RawQuery}, nil
}

// Parse matches raw against the onboarding routes.
func (h *DeepLinkHandler) Parse(raw string) (Link, error) {
	u, err := normalize(raw)
	if err != nil {
		return Link{}, err
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrUnknownLink, err)
	}
	var match mux.RouteMatch
	if !h.router.Match(req, &match) || match.Route == nil {
		return Link{}, fmt.Errorf("%w: %s", ErrUnknownLink, raw)
	}

	q := u.Query()
	link := Link{Action: match.Route.GetName(), Params: q}
	link.Force, _ = strconv.ParseBool(q.Get("force"))

	var step string
	switch link.Action {
	case ActionNavigate:
		step = match.Vars["step"]
	case ActionSkipTo:
		step = q.Get("step")
		if step == "" {
			return Link{}, fmt.Errorf("%w: skip-to needs a step", ErrUnknownLink)
		}
	}
	if step != "" {
		s, ok := models.ParseState(strings.ReplaceAll(step, "-", "_"))
		if !ok || s == models.StateError {
			return Link{}, fmt.Errorf("%w: unknown step %q", ErrUnknownLink, step)
		}
		link.Target = s
	}
	return link, nil
}

// Handle parses raw and performs it.
func (h *DeepLinkHandler) Handle(ctx context.Context, raw string) (Link, error) {
	link, err := h.Parse(raw)
	if err != nil {
		slog.Warn("DeepLinkHandler.Handle: rejected link", "url", raw, "error", err)
		return link, err
	}
	slog.Info("DeepLinkHandler.Handle: handling link", "action", link.Action, "target", link.Target, "force", link.Force)

	switch link.Action {
	case ActionResume, ActionRestart:
		if h.resumer == nil {
			return link, fmt.Errorf("%w: %s is not supported", ErrUnknownLink, link.Action)
		}
		if link.Action == ActionResume {
			return link, h.resumer.ResumeFlow(ctx)
		}
		return link, h.resumer.RestartFlow(ctx)
	default:
		opts := Options{DeepLink: true, Force: link.Force}
		if ln, ok := h.resumer.(LinkNavigator); ok {
			_, err := ln.NavigateLink(ctx, link.Target, opts)
			return link, err
		}
		_, err := h.controller.Navigate(ctx, link.Target, opts)
		return link, err
	}
}
