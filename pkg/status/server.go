// Package status exposes the core's read-only state to external status
// layers: HTTP JSON queries plus a WebSocket push of periodic reports.
//
// Everything served here is observational. The one mutating entry point
// of the core - emergencyReset - is deliberately NOT exposed over this
// surface; it belongs to the authenticated command path outside this
// module.
package status

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"rtcontrol/pkg/control"
	"rtcontrol/pkg/log"
	"rtcontrol/pkg/metrics"
	"rtcontrol/pkg/safety"
	"rtcontrol/pkg/sched"
	"rtcontrol/pkg/sensor"
	"rtcontrol/pkg/tick"
)

// ErrServerRunning is returned when Start is called twice.
var ErrServerRunning = errors.New("status: server already running")

// Sources are the components the server reports on.
type Sources struct {
	Counter   *tick.Counter
	Scheduler *sched.Scheduler
	Collector *metrics.Collector
	Safety    *safety.Controller
	Filter    *sensor.Filter
	Comm      *control.Communication
	Word      *control.StatusWord
}

// Report is one full status snapshot.
type Report struct {
	Time    time.Time  `json:"time"`
	Tick    tick.Ticks `json:"tick"`

	Metrics  metrics.Snapshot       `json:"metrics"`
	Tasks    []sched.TaskStats      `json:"tasks"`
	Channels []sensor.ChannelStatus `json:"channels"`
	Safety   safety.Status          `json:"safety"`

	StatusWord uint32 `json:"status_word"`
	Frame      string `json:"frame"`
	FrameCount uint64 `json:"frame_count"`
}

// Config holds status server configuration.
type Config struct {
	// Address to listen on (e.g. ":8150").
	Address string

	// PushInterval is the WebSocket report cadence.
	PushInterval time.Duration
}

// DefaultConfig returns the default status server configuration.
func DefaultConfig() Config {
	return Config{
		Address:      ":8150",
		PushInterval: 500 * time.Millisecond,
	}
}

// Server serves status reports.
type Server struct {
	srcs   Sources
	cfg    Config
	logger *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Int64

	mu      sync.Mutex
	clients map[int64]*wsClient
	server  *http.Server
	running bool
	stopCh  chan struct{}
}

// NewServer creates a status server over the given sources.
func NewServer(srcs Sources, cfg Config, logger *log.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultConfig().PushInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		srcs:   srcs,
		cfg:    cfg,
		logger: logger.WithPrefix("status"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*wsClient),
		stopCh:  make(chan struct{}),
	}
}

// Report assembles a full snapshot from the sources.
func (s *Server) Report() Report {
	r := Report{Time: time.Now()}
	if s.srcs.Counter != nil {
		r.Tick = s.srcs.Counter.Now()
	}
	if s.srcs.Collector != nil {
		r.Metrics = s.srcs.Collector.Latest()
	}
	if s.srcs.Scheduler != nil {
		r.Tasks = s.srcs.Scheduler.Snapshot()
	}
	if s.srcs.Filter != nil {
		r.Channels = s.srcs.Filter.Snapshot()
	}
	if s.srcs.Safety != nil {
		r.Safety = s.srcs.Safety.GetStatus()
	}
	if s.srcs.Word != nil {
		r.StatusWord = s.srcs.Word.Load()
	}
	if s.srcs.Comm != nil {
		frame, count := s.srcs.Comm.Frame()
		r.Frame = hex.EncodeToString(frame[:])
		r.FrameCount = count
	}
	return r
}

// Handler returns the HTTP mux for embedding or testing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Report())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.srcs.Scheduler == nil {
		http.Error(w, "no scheduler", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.srcs.Scheduler.Snapshot())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.srcs.Filter == nil {
		http.Error(w, "no filter", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.srcs.Filter.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until the listener fails or Shutdown is called. The
// push loop broadcasting reports to WebSocket clients runs alongside.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}
	s.running = true
	srv := s.server
	s.mu.Unlock()

	go s.pushLoop()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.server
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return srv.Shutdown(ctx)
}

// pushLoop broadcasts a report to every client on the push interval.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			report := s.Report()
			s.mu.Lock()
			for _, c := range s.clients {
				c.send(report)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Fields{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:     s.nextID.Add(1),
		conn:   conn,
		server: s,
		sendCh: make(chan Report, 16),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// First report immediately so clients need not wait a full push
	// interval.
	c.send(s.Report())

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// wsClient is one WebSocket subscriber.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan Report
	done   chan struct{}
	once   sync.Once
}

// send queues a report, dropping it if the client is slow.
func (c *wsClient) send(r Report) {
	select {
	case c.sendCh <- r:
	case <-c.done:
	default:
		// Slow client; skip this report.
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump drains the connection; the status stream is one-way, so any
// read error just tears the client down.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("websocket read error", log.Fields{"client": c.id, "error": err.Error()})
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case r := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(r); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
