package main

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

//go:embed web
var webFS embed.FS

// BrokerStatus reports on the MQTT connection.
type BrokerStatus interface {
	Connected() bool
	Broker() string
}

// Server serves the now-playing page and its JSON/WebSocket endpoints.
type Server struct {
	relay   *Relay
	hub     *Hub
	broker  BrokerStatus
	metrics *Metrics
	logger  *zap.Logger

	page     *template.Template
	data     TemplateData
	static   fs.FS
	manifest Manifest

	// nil means same host only, as for the WebSocket upgrade
	checkOrigin func(*http.Request) bool
}

func NewServer(cfg Config, relay *Relay, hub *Hub, broker BrokerStatus, metrics *Metrics, logger *zap.Logger) (*Server, error) {
	page, err := template.ParseFS(webFS, "web/templates/main.html")
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(webFS, "web/static")
	if err != nil {
		return nil, err
	}
	data := BuildTemplateData(cfg.WebUI)
	return &Server{
		relay:    relay,
		hub:      hub,
		broker:   broker,
		metrics:  metrics,
		logger:   logger,
		page:     page,
		data:     data,
		static:   static,
		manifest: buildManifest(data.Theme),

		checkOrigin: originChecker(cfg.WebServer.AllowedOrigins),
	}, nil
}

// DefaultCover returns the embedded image sent when a track has no artwork.
func DefaultCover() ([]byte, error) {
	return webFS.ReadFile("web/static/img/default.png")
}

func (s *Server) Routes(debug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if debug {
		r.Use(requestLogger(s.logger))
	}
	r.Use(s.corsMiddleware)

	r.Get("/", s.indexHandler)
	r.Get("/favicon.ico", s.faviconHandler)
	r.Get("/manifest.json", s.manifestHandler)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(s.static))))
	r.Handle("/ws", s.hub.Handler(s.relay))
	r.Get("/metadata.json", s.metadataHandler)
	r.With(s.requireOrigin).Post("/remote/{command}", s.remoteHandler)
	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.checkOrigin == nil {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed applies the WebSocket origin rule to plain HTTP requests.
// Requests without an Origin header pass.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.checkOrigin != nil {
		return s.checkOrigin(r)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) requireOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			s.logger.Warn("Rejected cross-origin request",
				zap.String("origin", r.Header.Get("Origin")),
				zap.String("path", r.URL.Path))
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr))
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON", zap.Error(err))
	}
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, s.data); err != nil {
		s.logger.Error("Rendering page", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) faviconHandler(w http.ResponseWriter, r *http.Request) {
	b, err := fs.ReadFile(s.static, "img/favicon.ico")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/vnd.microsoft.icon")
	_, _ = w.Write(b)
}

func (s *Server) metadataHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.relay.Saved().Snapshot()
	out := make(map[string]any, len(snapshot))
	for _, ev := range snapshot {
		out[ev.Name] = ev.Data
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) remoteHandler(w http.ResponseWriter, r *http.Request) {
	cmd := chi.URLParam(r, "command")

	err := s.relay.Remote(cmd)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{})
	case errors.Is(err, ErrUnknownCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("Remote command failed", zap.String("command", cmd), zap.Error(err))
		http.Error(w, "Error: "+err.Error(), http.StatusBadGateway)
	}
}

type healthResponse struct {
	Broker    string `json:"broker"`
	Connected bool   `json:"connected"`
	Saved     int    `json:"saved_events"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Saved: s.relay.Saved().Len()}
	status := http.StatusServiceUnavailable
	if s.broker != nil {
		resp.Broker = s.broker.Broker()
		resp.Connected = s.broker.Connected()
	}
	if resp.Connected {
		status = http.StatusOK
	}
	s.writeJSON(w, status, resp)
}

// Manifest is the installable web-app manifest.
type Manifest struct {
	Name            string         `json:"name"`
	ShortName       string         `json:"short_name"`
	StartURL        string         `json:"start_url"`
	Display         string         `json:"display"`
	BackgroundColor string         `json:"background_color"`
	ThemeColor      string         `json:"theme_color"`
	Icons           []ManifestIcon `json:"icons"`
}

type ManifestIcon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes"`
	Type  string `json:"type"`
}

func buildManifest(theme string) Manifest {
	bg := "#111111"
	if theme == "light" {
		bg = "#fafafa"
	}
	return Manifest{
		Name:            "Shairport Sync Now Playing",
		ShortName:       "Now Playing",
		StartURL:        "/",
		Display:         "standalone",
		BackgroundColor: bg,
		ThemeColor:      bg,
		Icons: []ManifestIcon{
			{Src: "/static/img/icon-192.png", Sizes: "192x192", Type: "image/png"},
		},
	}
}

func (s *Server) manifestHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/manifest+json")
	if err := json.NewEncoder(w).Encode(s.manifest); err != nil {
		s.logger.Error("Error encoding manifest", zap.Error(err))
	}
}
