package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/time/rate"
)

// Server exposes the latest training metrics over HTTP so a run can be
// watched without touching the metrics file. It is itself a Sink: the
// trainer fans records to it like any other.
type Server struct {
	mu      sync.Mutex
	latest  *Record
	runID   string
	started time.Time
}

// NewServer creates a watch server for the given run id.
func NewServer(runID string) *Server {
	return &Server{runID: runID, started: time.Now().UTC()}
}

func (s *Server) Log(step int64, values map[string]float64) error {
	s.mu.Lock()
	s.latest = &Record{
		RunID:  s.runID,
		Step:   step,
		Time:   time.Now().UTC(),
		Values: values,
	}
	s.mu.Unlock()
	return nil
}

func (s *Server) Close() error { return nil }

// Observe installs an already-formed record, keeping its original run id
// and timestamp. Used when watching a metrics file written by another
// process rather than sitting inside the training loop.
func (s *Server) Observe(rec Record) {
	s.mu.Lock()
	s.latest = &rec
	if rec.RunID != "" {
		s.runID = rec.RunID
	}
	s.mu.Unlock()
}

// Register wires the watch routes onto an echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/status", s.handleStatus)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c *echo.Context) error {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()

	resp := map[string]any{
		"run_id":  s.runID,
		"started": s.started,
	}
	if latest != nil {
		resp["step"] = latest.Step
		resp["time"] = latest.Time
		resp["values"] = latest.Values
	}
	return c.JSON(http.StatusOK, resp)
}

// Serve runs the watch endpoint until the context is cancelled. Requests
// are throttled; the status page is for eyeballs, not scrapers.
func (s *Server) Serve(ctx context.Context, addr string) error {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(rateLimit(rate.NewLimiter(rate.Limit(20), 40)))
	s.Register(e)

	sc := echo.StartConfig{Address: addr}
	return sc.Start(ctx, e)
}

func rateLimit(limiter *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !limiter.Allow() {
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
