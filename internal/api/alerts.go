package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"watchpost/internal/notify"
	"watchpost/internal/pipeline"
	"watchpost/internal/store"
)

const maxAlertLimit = 100

// alertView is the listing shape of a ThreatEvent
type alertView struct {
	ID                string               `json:"id"`
	Timestamp         string               `json:"timestamp"`
	ThreatSummary     string               `json:"threat_summary"`
	Confidence        float64              `json:"confidence"`
	EvidenceImagePath string               `json:"evidence_image_path"`
	EvidenceURL       string               `json:"evidence_url,omitempty"`
	Status            pipeline.EventStatus `json:"status"`
}

func alertViews(events []*pipeline.ThreatEvent) []alertView {
	out := make([]alertView, 0, len(events))
	for _, e := range events {
		v := alertView{
			ID:                e.ID,
			Timestamp:         e.FormattedTime(),
			ThreatSummary:     e.ThreatSummary,
			Confidence:        e.Confidence,
			EvidenceImagePath: e.EvidenceImageRef,
			Status:            e.Status,
		}
		if e.EvidenceImageRef != "" {
			v.EvidenceURL = "/api/evidence/" + url.PathEscape(filepath.Base(e.EvidenceImageRef))
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := s.recentLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.fail(r.Context(), w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAlertLimit)
	}

	events, err := s.store.ListRecentEvents(r.Context(), limit)
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, alertViews(events))
}

func (s *Server) markAlertRead(w http.ResponseWriter, r *http.Request, id string) {
	err := s.store.MarkEventRead(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(r.Context(), w, http.StatusNotFound, fmt.Errorf("alert %s not found", id))
	case err != nil:
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// testAlertRequest optionally overrides the configured destination
type testAlertRequest struct {
	Destination string `json:"destination"`
}

type testAlertResponse struct {
	Sent        bool   `json:"sent"`
	Destination string `json:"destination"`
}

// testAlert sends a TEST notification through the configured channel
func (s *Server) testAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.config.Current()

	var req testAlertRequest
	if r.ContentLength > 0 {
		if err := s.decode(r, &req); err != nil {
			s.fail(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
			return
		}
	}
	dest := req.Destination
	if dest == "" {
		dest = cfg.AlertDestination
	}
	if dest == "" {
		s.fail(ctx, w, http.StatusBadRequest, errors.New("no alert destination configured"))
		return
	}
	if s.notifier == nil {
		s.fail(ctx, w, http.StatusServiceUnavailable, errors.New("no notification channel configured"))
		return
	}

	alert := notify.TestAlert(cfg.AlertMessage, s.now())
	if !s.notifier.SendAlert(ctx, alert, "", dest) {
		s.fail(ctx, w, http.StatusBadGateway, fmt.Errorf("test alert to %s was not delivered", dest))
		return
	}
	s.log.WithField("destination", dest).Info("Test alert sent")
	s.encode(ctx, w, http.StatusOK, testAlertResponse{Sent: true, Destination: dest})
}

func (s *Server) getEvidence(w http.ResponseWriter, r *http.Request, name string) {
	f, err := s.store.Evidence().Open(name)
	if errors.Is(err, store.ErrNotFound) {
		s.fail(r.Context(), w, http.StatusNotFound, fmt.Errorf("evidence %s not found", name))
		return
	}
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
