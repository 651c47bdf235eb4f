// Package httpserver serves the read-only debug endpoints: health, metrics
// and channel state.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/neuroplastio/neio-stream/internal/catalog"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

type Channels interface {
	Channels() []streamapi.ChannelInfo
	Channel(name string) (streamapi.ChannelInfo, bool)
}

type Catalog interface {
	Get(name string) (catalog.ChannelRecord, error)
}

type ChannelStatus struct {
	streamapi.ChannelInfo
	History *catalog.ChannelRecord `json:"history,omitempty"`
}

type Server struct {
	log      *zap.Logger
	addr     string
	channels Channels
	catalog  Catalog
	metrics  http.Handler
	router   chi.Router
	ready    chan struct{}
}

// New builds the router. catalog and metrics may be nil.
func New(log *zap.Logger, addr string, channels Channels, catalog Catalog, metrics http.Handler) *Server {
	s := &Server{
		log:      log,
		addr:     addr,
		channels: channels,
		catalog:  catalog,
		metrics:  metrics,
		ready:    make(chan struct{}),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Route("/channels", func(r chi.Router) {
		r.Get("/", s.listChannels)
		r.Get("/{name}", s.getChannel)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	close(s.ready)
	s.log.Info("HTTP server started", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(info streamapi.ChannelInfo) ChannelStatus {
	st := ChannelStatus{ChannelInfo: info}
	if s.catalog == nil {
		return st
	}
	rec, err := s.catalog.Get(info.Name)
	switch {
	case err == nil:
		st.History = &rec
	case !errors.Is(err, catalog.ErrChannelNotFound):
		s.log.Warn("Failed to load channel history", zap.String("channel", info.Name), zap.Error(err))
	}
	return st
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	infos := s.channels.Channels()
	out := make([]ChannelStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.status(info))
	}
	sendJSON(w, http.StatusOK, out)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.channels.Channel(name)
	if !ok {
		sendError(w, http.StatusNotFound, fmt.Sprintf("unknown channel: %s", name))
		return
	}
	sendJSON(w, http.StatusOK, s.status(info))
}
