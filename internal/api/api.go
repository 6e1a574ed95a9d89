// Package api implements the HTTP side-channel read views (spec.md §4.6,
// §6): /health, /stats, /rooms, /rooms/:id, /rooms/:id/permissions,
// /users, /metrics. Grounded on the teacher's APIServer (api.go) — an Echo
// instance with request logging, panic recovery, and a uniform JSON error
// handler.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentroom/service/internal/metrics"
	"github.com/agentroom/service/internal/room"
	"github.com/agentroom/service/internal/session"
)

// Server is the HTTP read-view side-channel. Handler co-deploys it on the
// same port as the WebSocket transport; Run serves it on a port of its own.
type Server struct {
	echo      *echo.Echo
	sessions  *session.Registry
	rooms     *room.Registry
	collector *metrics.Collector
	startedAt time.Time
}

// NewServer constructs a Server and registers every route.
func NewServer(sessions *session.Registry, rooms *room.Registry, collector *metrics.Collector) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
	}))
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, sessions: sessions, rooms: rooms, collector: collector, startedAt: collector.StartedAt()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/rooms", s.handleRooms)
	s.echo.GET("/rooms/:id", s.handleRoom)
	s.echo.GET("/rooms/:id/permissions", s.handleRoomPermissions)
	s.echo.GET("/users", s.handleUsers)
	s.echo.GET("/metrics", s.handleMetrics)
}

// Handler exposes the underlying Echo instance as a plain http.Handler so
// main can co-deploy it on the same port as the WebSocket upgrade route
// (spec.md §6: "HTTP side-channel... co-deployed on same port").
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run starts the Echo server standalone on addr and blocks until ctx is
// canceled. Used when the API is deployed on its own port.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Uptime:    time.Since(s.startedAt).String(),
		StartedAt: s.startedAt,
	})
}

type statsResponse struct {
	Connections   int       `json:"connections"`
	Authenticated int       `json:"authenticated"`
	Rooms         int       `json:"rooms"`
	StartedAt     time.Time `json:"startedAt"`
	Uptime        string    `json:"uptime"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, statsResponse{
		Connections:   s.sessions.Count(),
		Authenticated: s.sessions.AuthenticatedCount(),
		Rooms:         len(s.rooms.ListRooms("")),
		StartedAt:     s.startedAt,
		Uptime:        time.Since(s.startedAt).String(),
	})
}

type roomInfoResponse struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount int    `json:"member_count"`
	Persistent  bool   `json:"persistent"`
	HasPassword bool   `json:"has_password"`
	CreatedBy   string `json:"created_by"`
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.rooms.ListRooms("")
	out := make([]roomInfoResponse, len(rooms))
	for i, r := range rooms {
		out[i] = roomInfoResponse{
			RoomID: r.ID, Name: r.Name, Description: r.Description,
			MemberCount: r.MemberCount, Persistent: r.Persistent,
			HasPassword: r.HasPassword, CreatedBy: r.CreatedBy,
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"rooms": out})
}

type memberResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

func (s *Server) handleRoom(c echo.Context) error {
	id := c.Param("id")
	members, ok := s.rooms.GetMembers(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	out := make([]memberResponse, len(members))
	for i, m := range members {
		out[i] = memberResponse{UserID: m.ID, Name: m.Name, Role: string(m.Role)}
	}
	return c.JSON(http.StatusOK, map[string]any{"room_id": id, "members": out})
}

func (s *Server) handleRoomPermissions(c echo.Context) error {
	id := c.Param("id")
	perms, cfg, ok := s.rooms.GetRoomConfig(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	permOut := make(map[string][]string, len(perms))
	for action, roles := range perms {
		for role, allowed := range roles {
			if allowed {
				permOut[action] = append(permOut[action], string(role))
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"room_id":     id,
		"permissions": permOut,
		"config": map[string]any{
			"default_visibility":   cfg.DefaultVisibility,
			"default_role":         string(cfg.DefaultRole),
			"message_rate_limit":   cfg.MessageRateLimit,
			"member_history_limit": cfg.MemberHistoryLimit,
			"persistent":           cfg.Persistent,
		},
	})
}

type userResponse struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
}

func (s *Server) handleUsers(c echo.Context) error {
	online := s.sessions.ListOnline()
	out := make([]userResponse, len(online))
	for i, u := range online {
		out[i] = userResponse{UserID: u.ID, Name: u.Name, ConnectedAt: u.ConnectedAt, Rooms: u.Rooms}
	}
	return c.JSON(http.StatusOK, map[string]any{"users": out})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.collector.Snapshot())
}

// jsonErrorHandler ensures every error response has a consistent JSON body:
// {"error": "message"}. Replaces Echo's default handler, which varies
// between text and JSON depending on the error type.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
