// Package api serves the dashboard REST surface on a goa muxer
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"watchpost/internal/metrics"
	"watchpost/internal/pipeline"
	"watchpost/internal/pipeline/detectors"
	"watchpost/internal/session"
	"watchpost/internal/store"
)

// SessionControl is the lifecycle surface of the surveillance session
type SessionControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Info() session.Info
}

// ConfigStore holds the runtime detection config
type ConfigStore interface {
	Current() pipeline.Config
	Set(cfg pipeline.Config) error
}

// Store is the persistence surface used by the handlers
type Store interface {
	ListRecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error)
	MarkEventRead(ctx context.Context, id string) error
	CountCriminalRecords(ctx context.Context) (int, error)
	AddCriminal(ctx context.Context, c *store.Criminal) error
	ListCriminals(ctx context.Context) ([]*store.Criminal, error)
	DeleteCriminal(ctx context.Context, id string) (*store.Criminal, error)
	Evidence() *store.EvidenceWriter
}

// Options wires the API. Session, Config and Store are required.
type Options struct {
	Session  SessionControl
	Config   ConfigStore
	Store    Store
	Notifier pipeline.Notifier
	Gallery  detectors.Gallery // nil when the identity provider cannot enroll faces

	// Providers are checked by /ready and listed on the dashboard, keyed by role
	Providers map[string]detectors.HealthChecker

	Stream   http.Handler // GET /stream/mjpeg
	Snapshot http.Handler // GET /stream/snapshot
	Live     http.Handler // GET /ws

	CriminalDir string // Where uploaded gallery images are written
	DataDir     string // Disk reported on the dashboard
	RecentLimit int    // Default page size for alert listings
	Logger      *logrus.Logger
	Now         func() time.Time
}

// Server implements the HTTP handlers
type Server struct {
	session     SessionControl
	config      ConfigStore
	store       Store
	notifier    pipeline.Notifier
	gallery     detectors.Gallery
	providers   map[string]detectors.HealthChecker
	stream      http.Handler
	snapshot    http.Handler
	live        http.Handler
	criminalDir string
	dataDir     string
	recentLimit int
	log         *logrus.Entry
	now         func() time.Time
}

// Mount describes one mounted route
type Mount struct {
	Method  string
	Verb    string
	Pattern string
}

// New creates the API server
func New(opts Options) (*Server, error) {
	if opts.Session == nil || opts.Config == nil || opts.Store == nil {
		return nil, errors.New("api: session, config and store are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limit := opts.RecentLimit
	if limit <= 0 {
		limit = 10
	}
	criminalDir := opts.CriminalDir
	if criminalDir == "" {
		criminalDir = "data/criminals"
	}
	return &Server{
		session:     opts.Session,
		config:      opts.Config,
		store:       opts.Store,
		notifier:    opts.Notifier,
		gallery:     opts.Gallery,
		providers:   opts.Providers,
		stream:      opts.Stream,
		snapshot:    opts.Snapshot,
		live:        opts.Live,
		criminalDir: criminalDir,
		dataDir:     opts.DataDir,
		recentLimit: limit,
		log:         logger.WithField("component", "api"),
		now:         now,
	}, nil
}

// Mount registers every route on mux and returns what was mounted
func (s *Server) Mount(mux goahttp.Muxer) []Mount {
	var mounts []Mount
	handle := func(name, verb, pattern string, h http.HandlerFunc) {
		mux.Handle(verb, pattern, h)
		mounts = append(mounts, Mount{Method: name, Verb: verb, Pattern: pattern})
	}

	handle("Health", "GET", "/health", s.health)
	handle("Ready", "GET", "/ready", s.ready)
	handle("Metrics", "GET", "/metrics", metrics.Handler().ServeHTTP)

	handle("GetSession", "GET", "/api/session", s.getSession)
	handle("StartSession", "POST", "/api/session/start", s.startSession)
	handle("StopSession", "POST", "/api/session/stop", s.stopSession)

	handle("GetConfig", "GET", "/api/config", s.getConfig)
	handle("UpdateConfig", "PUT", "/api/config", s.updateConfig)

	handle("ListAlerts", "GET", "/api/alerts", s.listAlerts)
	handle("TestAlert", "POST", "/api/alerts/test", s.testAlert)
	handle("MarkAlertRead", "POST", "/api/alerts/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		s.markAlertRead(w, r, mux.Vars(r)["id"])
	})
	handle("GetEvidence", "GET", "/api/evidence/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.getEvidence(w, r, mux.Vars(r)["name"])
	})

	handle("ListCriminals", "GET", "/api/criminals", s.listCriminals)
	handle("AddCriminal", "POST", "/api/criminals", s.addCriminal)
	handle("CountCriminals", "GET", "/api/criminals/count", s.countCriminals)
	handle("DeleteCriminal", "DELETE", "/api/criminals/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.deleteCriminal(w, r, mux.Vars(r)["id"])
	})

	handle("Dashboard", "GET", "/api/dashboard", s.dashboard)

	if s.stream != nil {
		handle("StreamMJPEG", "GET", "/stream/mjpeg", s.stream.ServeHTTP)
	}
	if s.snapshot != nil {
		handle("StreamSnapshot", "GET", "/stream/snapshot", s.snapshot.ServeHTTP)
	}
	if s.live != nil {
		handle("LiveFeed", "GET", "/ws", s.live.ServeHTTP)
	}
	return mounts
}

// Handler returns a muxer with every route mounted
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)
	return mux
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) encode(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.log.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, status int, err error) {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	entry := s.log.WithError(err).WithField("status", status)
	if id != "" {
		entry = entry.WithField("request_id", id)
	}
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	s.encode(ctx, w, status, errorBody{Error: err.Error(), RequestID: id})
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	return goahttp.RequestDecoder(r).Decode(v)
}
