// Package server provides the HTTP query façade for the quote store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/calendar"
	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/gaps"
	"github.com/dyhe/quotevault/internal/pipeline"
	"github.com/dyhe/quotevault/internal/provider"
	"github.com/dyhe/quotevault/internal/reports"
	"github.com/dyhe/quotevault/internal/store"
)

// Config holds server wiring.
type Config struct {
	Log              zerolog.Logger
	DB               *database.DB
	Instruments      *store.InstrumentRepository
	Quotes           *store.QuoteRepository
	Updates          *store.UpdateRecordRepository
	Stats            *store.StatsReader
	Calendar         *calendar.Service
	Router           *provider.Router
	Orchestrator     *pipeline.Orchestrator
	GapEngine        *gaps.Engine
	Reports          *reports.Writer
	QualityThreshold float64
	Port             int
	DevMode          bool
}

// Server is the HTTP server.
type Server struct {
	router           *chi.Mux
	server           *http.Server
	log              zerolog.Logger
	db               *database.DB
	instruments      *store.InstrumentRepository
	quotes           *store.QuoteRepository
	updates          *store.UpdateRecordRepository
	stats            *store.StatsReader
	calendar         *calendar.Service
	providers        *provider.Router
	orchestrator     *pipeline.Orchestrator
	gapEngine        *gaps.Engine
	reports          *reports.Writer
	qualityThreshold float64
	startedAt        time.Time
}

// New creates the HTTP server with the standard middleware chain and all
// /api/v1 routes mounted.
func New(cfg Config) *Server {
	s := &Server{
		router:           chi.NewRouter(),
		log:              cfg.Log.With().Str("component", "server").Logger(),
		db:               cfg.DB,
		instruments:      cfg.Instruments,
		quotes:           cfg.Quotes,
		updates:          cfg.Updates,
		stats:            cfg.Stats,
		calendar:         cfg.Calendar,
		providers:        cfg.Router,
		orchestrator:     cfg.Orchestrator,
		gapEngine:        cfg.GapEngine,
		reports:          cfg.Reports,
		qualityThreshold: cfg.QualityThreshold,
		startedAt:        time.Now(),
	}
	if s.qualityThreshold <= 0 {
		s.qualityThreshold = 0.7
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/instruments", func(r chi.Router) {
			r.Get("/", s.handleListInstruments)
			r.Get("/symbol/{symbol}", s.handleGetInstrumentBySymbol)
			r.Get("/{id}", s.handleGetInstrument)
		})

		r.Route("/quotes", func(r chi.Router) {
			r.Get("/daily", s.handleDailyQuotes)
			r.Get("/latest", s.handleLatestQuotes)
		})

		r.Route("/data", func(r chi.Router) {
			r.Post("/download/historical", s.handleDownloadHistorical)
			r.Get("/download/progress", s.handleDownloadProgress)
			r.Post("/update", s.handleDataUpdate)
			r.Post("/validate", s.handleValidate)
		})

		r.Route("/gaps", func(r chi.Router) {
			r.Get("/", s.handleListGaps)
			r.Post("/fill", s.handleFillGaps)
			r.Get("/report", s.handleGapReport)
		})

		r.Route("/calendar", func(r chi.Router) {
			r.Get("/trading", s.handleTradingDays)
			r.Get("/trading/next", s.handleNextTradingDay)
			r.Get("/trading/previous", s.handlePreviousTradingDay)
		})

		r.Get("/stats", s.handleStats)
		r.Get("/system/status", s.handleSystemStatus)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth answers liveness probes with a short database probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.QuickCheck(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"service":        "quotevault",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
