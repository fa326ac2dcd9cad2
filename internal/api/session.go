package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"watchpost/internal/pipeline"
	"watchpost/internal/session"
	"watchpost/internal/system"
)

// healthResponse is the liveness and readiness body
type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, healthResponse{Status: "ok"})
}

// providerStatus reports one perception provider
type providerStatus struct {
	Role       string `json:"role"`
	Name       string `json:"name"`
	Healthy    bool   `json:"healthy"`
	KnownFaces *int   `json:"known_faces,omitempty"`
}

// providerStatuses checks every provider, sorted by role
func (s *Server) providerStatuses(ctx context.Context) []providerStatus {
	roles := make([]string, 0, len(s.providers))
	for role := range s.providers {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	out := make([]providerStatus, 0, len(roles))
	for _, role := range roles {
		p := s.providers[role]
		st := providerStatus{Role: role, Name: p.Name(), Healthy: p.IsHealthy(ctx)}
		if g, ok := p.(interface{ KnownFaces() (int, bool) }); ok {
			if n, ok := g.KnownFaces(); ok {
				st.KnownFaces = &n
			}
		}
		out = append(out, st)
	}
	return out
}

// ready checks that the store and the perception providers answer
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.store.CountCriminalRecords(ctx); err != nil {
		s.fail(ctx, w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable: %w", err))
		return
	}
	for _, p := range s.providerStatuses(ctx) {
		if !p.Healthy {
			s.fail(ctx, w, http.StatusServiceUnavailable, fmt.Errorf("%s provider %q unavailable", p.Role, p.Name))
			return
		}
	}
	s.encode(ctx, w, http.StatusOK, healthResponse{Status: "ready"})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.session.Info())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	// The session outlives the request
	err := s.session.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		s.fail(r.Context(), w, http.StatusConflict, err)
	case err != nil:
		s.fail(r.Context(), w, http.StatusServiceUnavailable, err)
	default:
		s.encode(r.Context(), w, http.StatusOK, s.session.Info())
	}
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	err := s.session.Stop(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, session.ErrNotRunning):
		s.fail(r.Context(), w, http.StatusConflict, err)
	case err != nil:
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
	default:
		s.encode(r.Context(), w, http.StatusOK, s.session.Info())
	}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.config.Current())
}

// updateConfig replaces the runtime config. Omitted fields keep their current values.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Current()
	if err := s.decode(r, &cfg); err != nil {
		s.fail(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid config body: %w", err))
		return
	}
	if err := s.config.Set(cfg); err != nil {
		s.fail(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	s.log.WithField("config", cfg).Info("Runtime config updated")
	s.encode(r.Context(), w, http.StatusOK, s.config.Current())
}

// dashboardResponse aggregates the home screen
type dashboardResponse struct {
	Session       session.Info     `json:"session"`
	Config        pipeline.Config  `json:"config"`
	CriminalCount int              `json:"criminal_count"`
	RecentAlerts  []alertView      `json:"recent_alerts"`
	Providers     []providerStatus `json:"providers"`
	Host          *system.Stats    `json:"host"`
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := s.store.CountCriminalRecords(ctx)
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err)
		return
	}
	events, err := s.store.ListRecentEvents(ctx, s.recentLimit)
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, dashboardResponse{
		Session:       s.session.Info(),
		Config:        s.config.Current(),
		CriminalCount: count,
		RecentAlerts:  alertViews(events),
		Providers:     s.providerStatuses(ctx),
		Host:          system.Collect(ctx, s.dataDir),
	})
}
