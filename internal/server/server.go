// Package server assembles the HTTP surface: the JSON API, the room
// WebSocket endpoint, metrics, and static delivery of the web client and
// the converted video folders.
package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"watchparty/internal/api"
	"watchparty/internal/observability/logging"
	"watchparty/internal/observability/metrics"
	"watchparty/internal/room"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	PublicDir string
	VideosDir string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, gateway *room.Gateway, cfg Config) (*Server, error) {
	if handler == nil || gateway == nil {
		return nil, fmt.Errorf("api handler and room gateway are required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/videos", handler.Videos)
	mux.HandleFunc("/api/subtitles", handler.Subtitles)
	mux.HandleFunc("/api/unconverted", handler.Unconverted)
	mux.HandleFunc("/api/convert", handler.StartConvert)
	mux.HandleFunc("/api/convert/status/", handler.ConvertStatus)
	mux.HandleFunc("/ws", gateway.HandleConnection)

	videoServer := http.StripPrefix("/videos/", http.FileServer(http.Dir(cfg.VideosDir)))
	mux.Handle("/videos/", hlsCachePolicy(videoServer))
	mux.Handle("/", http.FileServer(http.Dir(cfg.PublicDir)))

	handlerChain := http.Handler(mux)
	handlerChain = metricsMiddleware(recorder, handlerChain)
	if cfg.Logger != nil {
		handlerChain = logging.RequestLogger(cfg.Logger)(handlerChain)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the assembled handler chain for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the configured http.Server so a runner can own its
// listen and shutdown lifecycle.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// hlsCachePolicy keeps playlists fresh while letting segments cache hard.
// Playlists change as a conversion progresses; finished segments never do.
func hlsCachePolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.ToLower(path.Ext(r.URL.Path)) {
		case ".m3u8":
			w.Header().Set("Cache-Control", "no-store")
		case ".ts":
			w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Hijack forwards to the wrapped writer so the /ws upgrade keeps working
// behind the middleware chain.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sr.status, time.Since(start))
	})
}
