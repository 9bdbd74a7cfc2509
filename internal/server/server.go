package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"wafersight/internal/detect"
	apperrors "wafersight/internal/errors"
	"wafersight/internal/trace"
)

// Controller is the session surface the server drives. detect.Runner
// implements it.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() detect.Result
	Subscribe() (<-chan detect.Result, func())
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type QuadPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type StatusMessage struct {
	Type      string      `json:"type"`
	Phase     string      `json:"phase"`
	RawHit    bool        `json:"raw_hit"`
	Smoothed  bool        `json:"smoothed"`
	GateScore float32     `json:"gate_score"`
	Inliers   int         `json:"inliers"`
	Reference string      `json:"reference,omitempty"`
	Quad      []QuadPoint `json:"quad,omitempty"`
	Timestamp int64       `json:"timestamp_ms"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// statusOf flattens a detection result for the wire.
func statusOf(res detect.Result) StatusMessage {
	msg := StatusMessage{
		Type:      "status",
		Phase:     res.Status(),
		RawHit:    res.RawHit,
		Smoothed:  res.Smoothed,
		GateScore: res.Gate.Score,
		Inliers:   res.Verify.Inliers,
		Reference: res.Gate.BestRef,
		Timestamp: res.Timestamp.UnixMilli(),
	}
	if res.Verify.BestRef != "" {
		msg.Reference = res.Verify.BestRef
	}
	if res.ShowQuad {
		msg.Quad = make([]QuadPoint, 4)
		for i, p := range res.Verify.Quad {
			msg.Quad[i] = QuadPoint{X: p.X, Y: p.Y}
		}
	}
	return msg
}

// rateLimiter tracks control message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctrl Controller
}

// New creates a new server around a session controller.
func New(ctrl Controller) *Server {
	return &Server{ctrl: ctrl}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket streams live detection status and accepts start/stop
// control messages on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	results, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	// Writer: one goroutine owns all writes to the connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range results {
			ctx, cancel := context.WithTimeout(baseCtx, WriteTimeout)
			err := wsjson.Write(ctx, conn, statusOf(res))
			cancel()
			if err != nil {
				return
			}
		}
	}()

	rl := &rateLimiter{}
	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			break
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "start":
			if err := s.ctrl.Start(baseCtx); err != nil {
				log.Warn("session start rejected", "error", err)
				_ = wsjson.Write(baseCtx, conn, ErrorMessage{Type: "error", Message: err.Error()})
			}
		case "stop":
			s.ctrl.Stop()
		}
	}

	unsubscribe()
	<-done
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusOf(s.ctrl.Snapshot()))
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		trace.Logger(r.Context()).Warn("session start rejected", "error", err)
		status := http.StatusInternalServerError
		if apperrors.IsCode(err, apperrors.CodeInvalidSessionState) {
			status = http.StatusConflict
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "session_started"})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "session_stopped"})
}
