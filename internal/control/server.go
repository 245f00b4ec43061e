package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"perparb/internal/core"
	"perparb/internal/telemetry"
)

// EdgePayload is the broadcast frame pushed to read-only observers
type EdgePayload struct {
	TS           int64  `json:"ts"`
	Base         string `json:"base"`
	SpotIndex    string `json:"spot_index"`
	EdgePSMMBps  string `json:"edge_ps_mm_bps"`
	EdgeSPMMBps  string `json:"edge_sp_mm_bps"`
	MidRef       string `json:"mid_ref"`
	LatencyMS    int64  `json:"latency_ms"`
	ThresholdBps string `json:"threshold_bps"`
}

// commandFrame is one inbound operator command
type commandFrame struct {
	Cmd string `json:"cmd"`
}

// Server is the operator control surface: a WebSocket endpoint that accepts
// commands and streams the live edge, plus a health endpoint
type Server struct {
	hub       *Hub
	commander Commander
	logger    core.ILogger
	srv       *http.Server
	upgrader  websocket.Upgrader

	allowedOrigins []string

	// Per-IP connection rate limiting
	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewServer creates a control server
func NewServer(hub *Hub, commander Commander, allowedOrigins []string, logger core.ILogger) *Server {
	s := &Server{
		hub:            hub,
		commander:      commander,
		logger:         logger.WithField("component", "control_server"),
		allowedOrigins: allowedOrigins,
		rateLimit:      10.0,
		rateBurst:      20,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// Start begins serving on the given address
func (s *Server) Start(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting control server", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// BroadcastEdge pushes the latest edge payload to all observers
func (s *Server) BroadcastEdge(rec core.EdgeRecord) {
	s.hub.Broadcast(Message{
		Type: "edge",
		Data: EdgePayload{
			TS:           rec.TS.UnixMilli(),
			Base:         rec.Base,
			SpotIndex:    rec.SpotIndex,
			EdgePSMMBps:  rec.EdgePSBps.StringFixed(4),
			EdgeSPMMBps:  rec.EdgeSPBps.StringFixed(4),
			MidRef:       rec.MidRef.StringFixed(6),
			LatencyMS:    rec.RecvMS - rec.SendMS,
			ThresholdBps: rec.ThresholdBps.StringFixed(2),
		},
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser operator tooling connects without an Origin header
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected connection with invalid Origin", "origin", origin, "error", err)
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}

	s.logger.Warn("Rejected connection from disallowed origin", "origin", originStr)
	return false
}

func (s *Server) allowIP(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	limiterI, _ := s.ipLimiters.LoadOrStore(host, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return limiterI.(*rate.Limiter).Allow()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"ts":      time.Now().UnixMilli(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.allowIP(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.NewString())
	s.hub.Register(client)
	telemetry.GetGlobalMetrics().BroadcastClients.Set(float64(s.hub.ClientCount()))

	go s.writeLoop(conn, client)
	go s.readLoop(conn, client)
}

// writeLoop drains the client's send channel onto the socket
func (s *Server) writeLoop(conn *websocket.Conn, client *Client) {
	defer conn.Close()

	for msg := range client.GetSendChan() {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// readLoop handles inbound operator commands until the socket closes
func (s *Server) readLoop(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client)
		telemetry.GetGlobalMetrics().BroadcastClients.Set(float64(s.hub.ClientCount()))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame commandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.Send(Message{Type: "reply", Data: failMsg("invalid command frame")})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		reply := Execute(ctx, s.commander, frame.Cmd)
		cancel()

		client.Send(Message{Type: "reply", Data: reply})
	}
}
