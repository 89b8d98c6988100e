// Package api serves a read-only HTTP view of a running node: its status,
// the authors known for its topic, their logs and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/adzialocha/meshpit/bridge"
	"github.com/adzialocha/meshpit/crypto"
)

var log = logging.Logger("meshpit/api")

// ErrUnknownAuthor is returned by providers for authors not in the index.
var ErrUnknownAuthor = errors.New("unknown author")

// Status describes a running node.
type Status struct {
	PeerID     string       `json:"peer_id"`
	PublicKey  string       `json:"public_key"`
	Topic      string       `json:"topic"`
	TopicID    string       `json:"topic_id"`
	Addrs      []string     `json:"addrs"`
	UDPServer  string       `json:"udp_server"`
	UDPClient  string       `json:"udp_client"`
	Peers      int          `json:"peers"`
	TopicPeers int          `json:"topic_peers"`
	Ready      bool         `json:"ready"`
	Operations int          `json:"operations"`
	Bridge     bridge.Stats `json:"bridge"`
}

// Author is an author of the node's topic.
type Author struct {
	PublicKey string `json:"public_key"`
	LogLength uint64 `json:"log_length"`
}

// Entry is an operation of an author's log.
type Entry struct {
	Hash        string  `json:"hash"`
	SeqNum      uint64  `json:"seq_num"`
	Timestamp   uint64  `json:"timestamp"`
	PayloadSize uint64  `json:"payload_size"`
	Backlink    *string `json:"backlink,omitempty"`
	Prune       bool    `json:"prune"`
	Pruned      bool    `json:"pruned"`
}

// Provider is the node state the server exposes.
type Provider interface {
	Status() (Status, error)
	TopicAuthors() ([]Author, error)
	AuthorLog(publicKey crypto.PublicKey, fromSeq uint64) ([]Entry, error)
}

// Server represents the HTTP API server
type Server struct {
	provider Provider
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	metrics  http.Handler
	cors     bool
}

// NewServer creates a new API server. metricsHandler may be nil.
func NewServer(provider Provider, metricsHandler http.Handler, enableCORS bool) *Server {
	server := &Server{
		provider: provider,
		metrics:  metricsHandler,
		cors:     enableCORS,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/health", s.getHealth).Methods("GET")
	api.HandleFunc("/authors", s.getAuthors).Methods("GET")
	api.HandleFunc("/authors/{public_key}/log", s.getAuthorLog).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	if s.cors {
		c := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		})
		s.router.Use(c.Handler)
	}
	s.router.Use(s.loggingMiddleware)
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("API server stopped", "err", err)
		}
	}()

	log.Infow("API server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.provider.Status()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, status)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) getAuthors(w http.ResponseWriter, r *http.Request) {
	authors, err := s.provider.TopicAuthors()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"authors": authors,
		"count":   len(authors),
	})
}

func (s *Server) getAuthorLog(w http.ResponseWriter, r *http.Request) {
	publicKey, err := crypto.NewPublicKeyFromHex(mux.Vars(r)["public_key"])
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.writeError(w, "invalid from parameter", http.StatusBadRequest)
			return
		}
	}

	entries, err := s.provider.AuthorLog(publicKey, from)
	if err != nil {
		if errors.Is(err, ErrUnknownAuthor) {
			s.writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	s.writeJSON(w, map[string]interface{}{
		"public_key": publicKey.String(),
		"entries":    entries,
	})
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorw("error encoding JSON", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a custom ResponseWriter to capture status code
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lrw, r)

		log.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", lrw.statusCode, "took", time.Since(start))
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
