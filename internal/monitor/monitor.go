// Package monitor serves a rig's health as JSON and streams diagnostics
// over a websocket.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/FastLED/FastLED-sub016/internal/channel"
	"github.com/FastLED/FastLED-sub016/internal/engine"
	"github.com/FastLED/FastLED-sub016/internal/engine/router"
	"github.com/FastLED/FastLED-sub016/internal/frame"
	"github.com/FastLED/FastLED-sub016/internal/spibus"
)

// Backlog is how many diagnostics a new /diag client receives on connect.
const Backlog = 32

type Server struct {
	Router *router.Router
	Buses  *spibus.Manager
	Driver *frame.Driver

	mu          sync.RWMutex
	startTime   time.Time
	diagClients map[*websocket.Conn]bool
	recent      []Diagnostic
	state       engine.State
}

func New(r *router.Router, buses *spibus.Manager, d *frame.Driver) *Server {
	return &Server{
		Router:      r,
		Buses:       buses,
		Driver:      d,
		startTime:   time.Now(),
		diagClients: map[*websocket.Conn]bool{},
	}
}

// Handler routes /diag and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/diag", s.HandleDiagWS)
	mux.HandleFunc("/health", s.HandleHealth)
	return withCORS(mux)
}

func (s *Server) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	for _, d := range s.recent {
		b, err := json.Marshal(d)
		if err != nil {
			log.Debug().Err(err).Str("code", d.Code).Msg("marshal diag")
			continue
		}
		if err := writeDiag(conn, b); err != nil {
			log.Debug().Err(err).Msg("replay diag")
			break
		}
	}
	s.diagClients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.diagClients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type driverHealth struct {
	Name         string `json:"name"`
	Priority     int    `json:"priority"`
	Enabled      bool   `json:"enabled"`
	Capabilities string `json:"capabilities"`
}

type deviceHealth struct {
	DataPin int    `json:"data_pin"`
	Lane    int    `json:"lane"`
	Speed   string `json:"speed"`
	Enabled bool   `json:"enabled"`
}

type busHealth struct {
	ClockPin    int            `json:"clock_pin"`
	Type        string         `json:"type"`
	Lanes       int            `json:"lanes"`
	Speed       string         `json:"speed"`
	Initialized bool           `json:"initialized"`
	Controller  string         `json:"controller,omitempty"`
	Err         string         `json:"error,omitempty"`
	Devices     []deviceHealth `json:"devices"`
}

// Health is the /health document.
type Health struct {
	UptimeS float64        `json:"uptime_s"`
	State   string         `json:"state"`
	Error   string         `json:"error,omitempty"`
	Frame   frame.Stats    `json:"frame"`
	Drivers []driverHealth `json:"drivers"`
	Buses   []busHealth    `json:"buses"`
}

func (s *Server) Health() Health {
	h := Health{UptimeS: time.Since(s.startTime).Seconds()}
	st, err := s.Router.Poll()
	h.State = st.String()
	if err != nil {
		h.Error = err.Error()
	}
	if s.Driver != nil {
		h.Frame = s.Driver.Stats()
	}
	for _, d := range s.Router.DriverInfos() {
		h.Drivers = append(h.Drivers, driverHealth(d))
	}
	if s.Buses != nil {
		for _, b := range s.Buses.Buses() {
			bh := busHealth{
				ClockPin: b.ClockPin, Type: b.Type.String(), Lanes: b.Type.Lanes(),
				Speed: b.Speed.String(), Initialized: b.Initialized,
				Controller: b.Controller, Err: b.Err,
			}
			for _, d := range b.Devices {
				if d.Allocated {
					bh.Devices = append(bh.Devices, deviceHealth{DataPin: d.DataPin, Lane: d.Lane, Speed: d.Speed.String(), Enabled: d.Enabled})
				}
			}
			h.Buses = append(h.Buses, bh)
		}
	}
	return h
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Health())
}

// Push records d and sends it to every /diag client.
func (s *Server) Push(d Diagnostic) {
	b, err := json.Marshal(d)
	if err != nil {
		log.Debug().Err(err).Str("code", d.Code).Msg("marshal diag, dropped")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, d)
	if len(s.recent) > Backlog {
		s.recent = s.recent[len(s.recent)-Backlog:]
	}
	for c := range s.diagClients {
		if err := writeDiag(c, b); err != nil {
			log.Debug().Err(err).Msg("write diag")
		}
	}
}

func writeDiag(c *websocket.Conn, b []byte) error {
	if err := c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

// FrameError turns a channel failure into a diagnostic. It has the shape
// of frame.Driver.OnError.
func (s *Server) FrameError(c *channel.Channel, err error) {
	d := Diagnostic{
		Severity: Warn,
		Code:     "CHANNEL.FAILED",
		Summary:  "Channel frame failed",
		Detail:   err.Error(),
		Evidence: map[string]any{"channel": c.Name(), "id": c.ID(), "pin": c.Unit().Pin},
	}
	switch {
	case errors.Is(err, channel.ErrFrameDropped):
		d.Code, d.Summary = "FRAME.DROPPED", "Previous frame still in flight"
		d.LikelyCauses = []string{"frame rate above what the strip length allows", "engine stalled"}
		d.SuggestedFixes = []string{"lower fps", "split the strip across more pins"}
	case errors.Is(err, channel.ErrNoEngine):
		d.Severity, d.Code, d.Summary = Err, "CHANNEL.NO_ENGINE", "No engine can drive this channel"
		d.SuggestedFixes = []string{"register an engine for the chipset family", "check disabled and exclusive engines"}
	case errors.Is(err, router.ErrAffinityNotFound), errors.Is(err, router.ErrDriverDisabled):
		d.Severity, d.Code, d.Summary = Err, "CHANNEL.AFFINITY", "Channel's engine is missing or disabled"
	}
	s.Push(d)
}

// Watch polls the router every interval and reports state changes until
// ctx is done.
func (s *Server) Watch(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Server) check() {
	st, err := s.Router.Poll()
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	switch {
	case st == engine.Error && prev != engine.Error:
		d := Diagnostic{Severity: Err, Code: "ENGINE.FAULT", Summary: "Engine reported a fault"}
		if err != nil {
			d.Detail = err.Error()
		}
		s.Push(d)
	case st != engine.Error && prev == engine.Error:
		s.Push(Diagnostic{Severity: Info, Code: "ENGINE.RECOVERED", Summary: "Engines recovered"})
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
