// Package api is the gateway's HTTP edge: webhook ingress for every
// registered channel adapter, health and Prometheus endpoints, and the
// bearer-token admin surface. The edge never interprets platform payloads;
// it hands the raw request to the adapter and echoes the adapter's verdict
// back to the platform verbatim.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/gateway/internal/allowlist"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/heartbeat"
	"github.com/ocx/gateway/internal/monitoring"
	"github.com/ocx/gateway/internal/pipeline"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/pkg/channel"
)

// maxWebhookBody caps inbound webhook payloads. Platform pushes are a few
// kilobytes; anything near the cap is not a chat message.
const maxWebhookBody = 1 << 20

// Server is the HTTP edge. The emitter and metrics are optional; the event
// bus backs the admin SSE stream and may be the in-memory half of a Pub/Sub
// export bus.
type Server struct {
	cfg      *config.Config
	registry *channel.Registry
	pool     *pipeline.Pool
	allow    *allowlist.Allowlist
	limiter  *ratelimit.Limiter
	engine   *heartbeat.Engine
	emitter  events.EventEmitter
	bus      *events.EventBus
	metrics  *monitoring.Metrics
	socket   http.Handler
	logger   *log.Logger
}

// New wires the edge.
func New(cfg *config.Config, registry *channel.Registry, pool *pipeline.Pool,
	allow *allowlist.Allowlist, limiter *ratelimit.Limiter, engine *heartbeat.Engine,
	emitter events.EventEmitter, bus *events.EventBus, metrics *monitoring.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		pool:     pool,
		allow:    allow,
		limiter:  limiter,
		engine:   engine,
		emitter:  emitter,
		bus:      bus,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[EDGE] ", log.LstdFlags),
	}
}

// MountSocket exposes a socket-driven adapter's HTTP handler (the web-chat
// widget) under /socket.io/. Call before Router.
func (s *Server) MountSocket(h http.Handler) { s.socket = h }

// Router builds the edge routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// GET is only meaningful for platforms with a URL verification
	// handshake (WhatsApp hub.challenge); adapters decide per method.
	r.HandleFunc("/webhook/{channel}", s.handleWebhook).Methods("GET", "POST")

	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/channels", s.handleChannels).Methods("GET")
	admin.HandleFunc("/allowlist", s.handleAllowlistStatus).Methods("GET")
	admin.HandleFunc("/allowlist/add", s.handleAllowlistAdd).Methods("POST")
	admin.HandleFunc("/allowlist/remove", s.handleAllowlistRemove).Methods("POST")
	admin.HandleFunc("/allowlist/mode", s.handleAllowlistMode).Methods("POST")
	admin.HandleFunc("/ratelimit", s.handleRateLimitStats).Methods("GET")
	admin.HandleFunc("/ratelimit/unban", s.handleRateLimitUnban).Methods("POST")
	admin.HandleFunc("/ratelimit/reset", s.handleRateLimitReset).Methods("POST")
	admin.HandleFunc("/heartbeat/run", s.handleHeartbeatRun).Methods("POST")
	admin.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")

	if s.socket != nil {
		r.PathPrefix("/socket.io/").Handler(s.socket)
	}

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	return r
}

// handleWebhook routes one platform push to its adapter. The adapter's
// status and body are echoed verbatim; decoded messages are queued for the
// pipeline so the platform gets its ack before the AI round-trip.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["channel"]

	adapter, ok := s.registry.Get(tag)
	if !ok {
		s.record(tag, http.StatusNotFound)
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if !s.registry.IsInitialized(tag) {
		s.record(tag, http.StatusServiceUnavailable)
		http.Error(w, "channel not initialized", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.record(tag, http.StatusRequestEntityTooLarge)
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp := adapter.HandleWebhook(channel.WebhookRequest{
		Path:    r.URL.RequestURI(),
		Method:  r.Method,
		Headers: r.Header,
		Body:    body,
	})

	for i := range resp.Messages {
		s.pool.Submit(resp.Messages[i])
	}

	switch resp.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		if s.metrics != nil {
			s.metrics.RecordSignatureFailure(tag)
		}
		s.emit(events.TypeSignatureInvalid, tag, map[string]interface{}{
			"status": resp.Status,
			"remote": r.RemoteAddr,
		})
		s.logger.Printf("🛡️ %s webhook rejected (%d)", tag, resp.Status)
	}
	s.record(tag, resp.Status)

	// KakaoTalk skill responses carry a JSON body the platform parses.
	if strings.HasPrefix(strings.TrimSpace(resp.Body), "{") {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	if resp.Body != "" {
		fmt.Fprint(w, resp.Body)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "ocx-gateway",
		"channels": len(s.registry.Active()),
	})
}

func (s *Server) emit(eventType, channelTag string, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["channel"] = channelTag
	s.emitter.Emit(eventType, "/webhook/"+channelTag, "", data)
}

func (s *Server) record(channelTag string, status int) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(channelTag, strconv.Itoa(status))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		// Log in Cloud Run compatible format (JSON)
		log.Printf(`{"method":"%s","path":"%s","duration_ms":%d}`,
			r.Method,
			r.URL.Path,
			time.Since(start).Milliseconds(),
		)
	})
}
