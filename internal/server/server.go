package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/vld1-bridge/internal/averager"
	"github.com/shaunagostinho/vld1-bridge/internal/bridge"
	"github.com/shaunagostinho/vld1-bridge/internal/logger"
	"github.com/shaunagostinho/vld1-bridge/internal/radar"
	"github.com/shaunagostinho/vld1-bridge/internal/registers"
)

// Server exposes radar configuration over HTTP, drives the measurement loop
// and broadcasts readings to WebSocket clients.
type Server struct {
	cfg    *Config
	engine *radar.Engine
	disp   *bridge.Dispatcher
	bank   *registers.Bank
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	linkUp   chan struct{}
	linkOnce sync.Once
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reading  *bridge.Reading `json:"reading,omitempty"`
	Params   *radar.Params   `json:"params,omitempty"`
	Firmware string          `json:"firmware,omitempty"`
	Stamp    int64           `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, engine *radar.Engine, disp *bridge.Dispatcher, bank *registers.Bank, webFS fs.FS) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		disp:   disp,
		bank:   bank,
		webFS:  webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		linkUp: make(chan struct{}),
	}
}

// MarkConnected starts the measurement loop once the sensor session is open.
func (s *Server) MarkConnected() {
	s.linkOnce.Do(func() { close(s.linkUp) })
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Application config
	mux.HandleFunc("/api/config", s.handleConfig)

	// Radar parameters and direct sensor access
	mux.HandleFunc("/api/radar/params", s.handleParams)
	mux.HandleFunc("/api/radar/params/refresh", s.handleRefresh)
	mux.HandleFunc("/api/radar/measure", s.handleMeasure)
	mux.HandleFunc("/api/radar/flush", s.handleFlush)

	// Register bank
	mux.HandleFunc("/api/registers", s.handleRegisters)

	return mux
}

// Run starts the HTTP server and the polling loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// pollLoop waits for the sensor session, then runs the dispatcher until ctx
// is cancelled. Every reading is recorded and broadcast.
func (s *Server) pollLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.linkUp:
	}
	defer s.logger.Close()

	s.disp.Run(ctx, s.cfg.PollInterval(), s.publish)
}

func (s *Server) publish(r bridge.Reading) {
	s.logger.Record(r)
	s.broadcast(Frame{Reading: &r, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client %s connected (%d total)", client.id, n)

	// Send current parameters and the last reading
	params := s.engine.Params()
	latest := s.disp.Latest()
	hello := Frame{
		Params:   &params,
		Firmware: s.engine.Version(),
		Stamp:    time.Now().UnixMilli(),
	}
	if !latest.Time.IsZero() {
		hello.Reading = &latest
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client %s disconnected (%d total)", client.id, n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		before := s.cfg.AveragerConfig()
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if after := s.cfg.AveragerConfig(); after != before {
			s.disp.Reconfigure(after)
		}
		s.cfg.mu.RLock()
		logOn := s.cfg.Logging.Enabled
		s.cfg.mu.RUnlock()
		s.logger.SetEnabled(logOn)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Params())

	case http.MethodPut:
		var p radar.Params
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			s.writeFault(r.Context(), w, fmt.Errorf("%w: %v", radar.ErrInvalidParam, err))
			return
		}
		if err := s.engine.SetParams(r.Context(), p); err != nil {
			s.writeFault(r.Context(), w, err)
			return
		}
		s.paramsChanged()
		writeJSON(w, http.StatusOK, s.engine.Params())

	case http.MethodPatch:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		applied, err := s.patchParams(r.Context(), body)
		if len(applied) > 0 {
			s.paramsChanged()
		}
		if err != nil {
			s.writeFault(r.Context(), w, err, "applied", applied)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"params":  s.engine.Params(),
			"applied": applied,
		})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	p, err := s.engine.ReadParams(r.Context())
	if err != nil {
		s.writeFault(r.Context(), w, err)
		return
	}
	s.paramsChanged()
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	pd, err := s.engine.PointData(r.Context())
	if errors.Is(err, radar.ErrNoTarget) {
		writeJSON(w, http.StatusOK, map[string]any{"target": false})
		return
	}
	if err != nil {
		s.writeFault(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":      true,
		"distance_m":  pd.DistanceM,
		"distance_mm": averager.Quantize(float64(pd.DistanceM)),
		"magnitude":   pd.Magnitude,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.engine.Flush(r.Context()); err != nil {
		s.writeFault(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	regs, seq := s.bank.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"registers": regs,
		"seq":       seq,
	})
}

// paramsChanged pushes the new snapshot to every client.
func (s *Server) paramsChanged() {
	p := s.engine.Params()
	s.broadcast(Frame{Params: &p, Stamp: time.Now().UnixMilli()})
}

// writeFault maps an engine error to a response: lock timeout 503, link
// fault 502, sensor error code 422, bad input 400. A link fault also flushes
// the sensor input so the next request starts clean.
func (s *Server) writeFault(ctx context.Context, w http.ResponseWriter, err error, extra ...any) {
	fault := radar.Classify(err)
	body := map[string]any{
		"error": err.Error(),
		"fault": fault.String(),
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			body[k] = extra[i+1]
		}
	}

	status := http.StatusBadGateway
	switch fault {
	case radar.FaultLock:
		status = http.StatusServiceUnavailable
	case radar.FaultSensor:
		status = http.StatusUnprocessableEntity
		var se *radar.SensorError
		if errors.As(err, &se) {
			body["code"] = uint8(se.Code)
			body["code_name"] = se.Code.String()
		}
	case radar.FaultInput:
		status = http.StatusBadRequest
	case radar.FaultLink:
		if ferr := s.engine.Flush(ctx); ferr != nil {
			log.Printf("[server] flush after link fault: %v", ferr)
		}
	}
	log.Printf("[server] %s fault: %v", fault, err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
