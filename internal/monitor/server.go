// Package monitor serves the selector's health, status and debug views over
// HTTP.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/spirit/internal/httputil"
	"github.com/banshee-data/spirit/internal/journal"
	"github.com/banshee-data/spirit/internal/monitoring"
	"github.com/banshee-data/spirit/internal/pastimage"
	"github.com/banshee-data/spirit/internal/transport"
	"github.com/banshee-data/spirit/internal/version"
)

// Source is the read side of the selector the monitor reports on.
type Source interface {
	Stats() pastimage.Stats
	State() pastimage.BufferState
	Current() *pastimage.Frame
	Frames() []*pastimage.Frame
	Indexed(id pastimage.FrameID) bool
	Policy() pastimage.Policy
}

var _ Source = (*pastimage.Selector)(nil)

// Config wires the monitor to the running components. Only Source is
// required.
type Config struct {
	Address  string
	Source   Source
	Bus      *transport.Bus
	Journal  *journal.Journal
	Gatherer prometheus.Gatherer
}

// Server is the monitoring HTTP server.
type Server struct {
	address string
	source  Source
	bus     *transport.Bus
	journal *journal.Journal
	gather  prometheus.Gatherer
	started time.Time

	server *http.Server
}

// NewServer creates a monitoring server.
func NewServer(cfg Config) *Server {
	s := &Server{
		address: cfg.Address,
		source:  cfg.Source,
		bus:     cfg.Bus,
		journal: cfg.Journal,
		gather:  cfg.Gatherer,
		started: time.Now(),
	}
	s.server = &http.Server{
		Addr:    s.address,
		Handler: s.setupRoutes(),
	}
	return s
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	if s.journal != nil {
		mux.HandleFunc("/api/selections", s.handleSelections)
	}
	s.AttachAdminRoutes(mux)
	if s.bus != nil {
		s.bus.AttachAdminRoutes(mux)
	}
	if s.journal != nil {
		s.journal.AttachAdminRoutes(mux)
	}
	return mux
}

// AttachAdminRoutes attaches the selector's debug pages to mux under
// /debug/. These routes are accessible only over localhost/via Tailscale.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("pastimage/status", "Selector status (JSON)", http.HandlerFunc(s.handleStatus))
	debug.Handle("pastimage/trajectory", "Archived frame positions", http.HandlerFunc(s.handleTrajectory))
	if s.gather != nil {
		debug.Handle("pastimage/metrics", "Selector metrics (Prometheus)",
			promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] starting HTTP server on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("[monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("[monitor] HTTP server force close error: %v", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

// Status is the JSON body of the status endpoints.
type Status struct {
	Version       string          `json:"version"`
	Policy        string          `json:"policy"`
	Buffer        string          `json:"buffer"`
	Uptime        string          `json:"uptime"`
	Stats         pastimage.Stats `json:"stats"`
	Current       *FrameSummary   `json:"current,omitempty"`
	Subscribers   int             `json:"subscribers"`
	BusDropped    int64           `json:"bus_dropped"`
	JournalRun    string          `json:"journal_run,omitempty"`
	ArchiveFrames int             `json:"archive_frames"`
}

// FrameSummary describes a frame without its image data.
type FrameSummary struct {
	ID       pastimage.FrameID `json:"id"`
	Stamp    time.Time         `json:"stamp"`
	Position [3]float64        `json:"position"`
	Indexed  bool              `json:"indexed"`
}

func (s *Server) summarize(f *pastimage.Frame) *FrameSummary {
	if f == nil {
		return nil
	}
	return &FrameSummary{
		ID:       f.ID,
		Stamp:    f.Stamp,
		Position: [3]float64{f.Position.X, f.Position.Y, f.Position.Z},
		Indexed:  s.source.Indexed(f.ID),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	stats := s.source.Stats()
	st := Status{
		Version:       version.String(),
		Policy:        s.source.Policy().Describe(),
		Buffer:        s.source.State().String(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		Stats:         stats,
		Current:       s.summarize(s.source.Current()),
		ArchiveFrames: int(stats.Frames),
	}
	if s.bus != nil {
		st.Subscribers = s.bus.Subscribers()
		st.BusDropped = s.bus.Dropped()
	}
	if s.journal != nil {
		st.JournalRun = s.journal.RunID()
	}
	httputil.WriteJSONOK(w, st)
}

// handleSelections returns the most recent journal entries.
// Query params:
//
//	limit (optional, default 20, at most 500)
func (s *Server) handleSelections(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 500 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "'limit' must be between 1 and 500")
			return
		}
		limit = v
	}
	rows, err := s.journal.RecentSelections(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type row struct {
		ID         int64             `json:"id"`
		PoseStamp  time.Time         `json:"pose_stamp"`
		FrameID    pastimage.FrameID `json:"frame_id"`
		FrameStamp time.Time         `json:"frame_stamp"`
		DelayS     float64           `json:"delay_s"`
		DistanceM  float64           `json:"distance_m"`
	}
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		out = append(out, row{
			ID:         r.ID,
			PoseStamp:  r.PoseStamp,
			FrameID:    r.FrameID,
			FrameStamp: r.FrameStamp,
			DelayS:     r.Delay.Seconds(),
			DistanceM:  r.Distance,
		})
	}
	httputil.WriteJSONOK(w, out)
}
