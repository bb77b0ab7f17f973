// Copyright 2025 James Ross

// Package httpapi is the synchronous ingress half of the pipeline:
// POST /task/create validates and dispatches a submission, GET
// /task/get/{task_id} reports back on a previously dispatched one.
// Grounded on original_source/app/routers/tasks.py for the handler
// semantics and on internal/admin-api/server.go for the
// Server/NewServer/Start/Shutdown shape, with chi in place of the
// bare http.ServeMux the way ai-cv-evaluator's internal/app router
// wires it.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/downloader"
	"github.com/vtag/pipeline/internal/producer"
	"github.com/vtag/pipeline/internal/taskstore"
)

// Server is the HTTP ingress for task submission and lookup.
type Server struct {
	cfg      *config.Config
	producer *producer.Producer
	store    *taskstore.Store
	dl       *downloader.Downloader
	log      *zap.Logger
	server   *http.Server
}

func NewServer(cfg *config.Config, p *producer.Producer, store *taskstore.Store, dl *downloader.Downloader, log *zap.Logger) *Server {
	return &Server{cfg: cfg, producer: p, store: store, dl: dl, log: log}
}

// Router builds the chi handler, exported so tests can exercise it
// with httptest without going through Start/Shutdown.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/task/create", s.handleTaskCreate)
	r.Get("/task/get/{task_id}", s.handleTaskGet)

	return r
}

// Start serves the ingress until the process is asked to stop.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Producer.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.log.Info("starting http ingress", zap.String("addr", s.cfg.Producer.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
