// Package report serves the metadata store as a read-only JSON API.
package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chrissnell/snowpatch/internal/log"
	"github.com/chrissnell/snowpatch/internal/metrics"
	"github.com/chrissnell/snowpatch/pkg/responseformat"
)

const (
	defaultListenAddr = "127.0.0.1"
	defaultPort       = 8090
)

// Config holds the listener settings
type Config struct {
	ListenAddr string
	Port       int
}

// Server is the reporting HTTP server
type Server struct {
	Server    http.Server
	db        *gorm.DB
	logger    *zap.SugaredLogger
	metrics   *metrics.Collector
	gatherer  prometheus.Gatherer
	formatter *responseformat.Formatter
}

// NewServer creates a server reading from db. Metrics are exposed from gatherer, or the default
// registry when it is nil.
func NewServer(db *gorm.DB, cfg Config, logger *zap.SugaredLogger, m *metrics.Collector, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.ListenAddr == "" {
		logger.Infof("report server listen-addr not provided; defaulting to %s", defaultListenAddr)
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.Port == 0 {
		logger.Infof("report server port not specified; defaulting to %d", defaultPort)
		cfg.Port = defaultPort
	}

	s := &Server{db: db, logger: logger, metrics: m, gatherer: gatherer, formatter: responseformat.NewFormatter()}
	s.Server.Addr = fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.Port)
	s.Server.Handler = s.Handler()
	s.Server.ReadHeaderTimeout = 10 * time.Second
	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(s.observe, "/healthz", "/metrics"))

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/aois", s.getAOIs).Methods(http.MethodGet)
	api.HandleFunc("/aois/{name}/scenes", s.getAOIScenes).Methods(http.MethodGet)
	api.HandleFunc("/scenes/{id:[0-9]+}", s.getScene).Methods(http.MethodGet)
	api.HandleFunc("/trends", s.getTrends).Methods(http.MethodGet)
	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.getRuns).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func (s *Server) observe(r *http.Request, status int, elapsed time.Duration) {
	route := "unmatched"
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			route = tmpl
		}
	}
	s.metrics.RecordHTTPRequest(route, status)
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Infof("report server starting on %s", s.Server.Addr)
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("report server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down the report server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Server.Shutdown(shutdownCtx)
	}()
}
