package offlineagent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/always-cache/offline-agent/clients"
	"github.com/always-cache/offline-agent/notify"
	"github.com/always-cache/offline-agent/push"
)

// ControlPrefix is where the control surface is mounted. It is never intercepted.
const ControlPrefix = "/_agent"

const maxEventBody = 1 << 20

type RouterOptions struct {
	// Web Push routes are mounted if not nil.
	Push *push.Sender
	// The metrics route is mounted if not nil.
	Gatherer prometheus.Gatherer
}

type agentStatus struct {
	Active  string   `json:"active,omitempty"`
	State   string   `json:"state,omitempty"`
	Buckets []string `json:"buckets"`
	Views   int      `json:"views"`
}

// Router returns the control surface, to be mounted under ControlPrefix.
func (a *Agent) Router(opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Handle("/clients", a.scope.Clients)
	r.Get("/status", a.handleStatus)
	r.Post("/generations", a.handleDeploy)
	r.Route("/events", func(r chi.Router) {
		r.Post("/push", a.handlePushEvent)
		r.Post("/notificationclick", a.handleClickEvent)
	})
	if opts.Push != nil {
		a.setupPushRoutes(r, opts.Push)
	}
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the agent with the control surface mounted under ControlPrefix.
func (a *Agent) Handler(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Mount(ControlPrefix, a.Router(opts))
	r.Handle("/*", a)
	return r
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := agentStatus{Buckets: []string{}}
	if g := a.Active(); g != nil {
		st.Active = g.Version
		st.State = g.State().String()
	}
	names, err := a.scope.Caches.Storage().Keys()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	st.Buckets = append(st.Buckets, names...)
	all, err := a.scope.Clients.MatchAll(r.Context(), clients.MatchOptions{IncludeUncontrolled: true})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	st.Views = len(all)
	respondJSON(w, http.StatusOK, st)
}

func (a *Agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil || req.Version == "" {
		respondError(w, http.StatusBadRequest, errors.New("version required"))
		return
	}
	g, err := a.Deploy(r.Context(), req.Version)
	if err != nil {
		a.log.Error().Err(err).Str("version", req.Version).Msg("Deploy failed")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"version": g.Version,
		"state":   g.State().String(),
	})
}

func (a *Agent) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	v, err := a.dispatcher.Dispatch(r.Context(), PushEvent{Data: data})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	desc := v.(notify.Descriptor)
	respondJSON(w, http.StatusOK, map[string]any{
		"title":   desc.Title,
		"options": desc.Options,
	})
}

func (a *Agent) handleClickEvent(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&n); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	v, err := a.dispatcher.Dispatch(r.Context(), NotificationClickEvent{Notification: n})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, v.(notify.ClickResult))
}

func (a *Agent) setupPushRoutes(r chi.Router, sender *push.Sender) {
	r.Route("/push", func(r chi.Router) {
		r.Get("/public-key", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"publicKey": sender.PublicKey()})
		})
		r.Post("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
			var sub push.Subscription
			if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&sub); err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			sub.UserAgent = r.UserAgent()
			saved, err := sender.Subscribe(sub)
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			respondJSON(w, http.StatusCreated, saved)
		})
		r.Delete("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Endpoint string `json:"endpoint"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil || req.Endpoint == "" {
				respondError(w, http.StatusBadRequest, errors.New("endpoint required"))
				return
			}
			if err := sender.Unsubscribe(req.Endpoint); err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/send", func(w http.ResponseWriter, r *http.Request) {
			var p push.Payload
			if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&p); err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			report, err := sender.Send(r.Context(), p)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			respondJSON(w, http.StatusOK, report)
		})
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{Error: err.Error(), Status: status})
}
