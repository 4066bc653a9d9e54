// Package adminapi implements the read-only gin HTTP surface (ambient item
// 14) for inspecting session state, sequence numbers, and retransmit
// activity without touching the framer thread's own state: every handler
// only takes registry.Registry snapshots, never a session pointer, matching
// the single-owner discipline spec.md §9 requires of everything outside the
// framer.
package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/fixgateway/internal/registry"
	"github.com/wyfcoding/fixgateway/internal/registry/mysql"
	"github.com/wyfcoding/fixgateway/internal/sequencestore"
	"github.com/wyfcoding/fixgateway/internal/session"
	"github.com/wyfcoding/fixgateway/pkg/config"
	"github.com/wyfcoding/fixgateway/pkg/middleware"
	"github.com/wyfcoding/fixgateway/pkg/ratelimit"
)

// sessionDetail is the subset of session.FixSession / session.ILink3Session
// the admin surface can render without depending on their concrete types'
// differing State() return types.
type sessionDetail struct {
	SessionID    uint64                      `json:"session_id"`
	Protocol     string                      `json:"protocol"`
	State        string                      `json:"state"`
	Sequence     sequencestore.SequenceState `json:"sequence"`
	RetransmitIn bool                        `json:"retransmit_in_flight"`
}

func describe(id uint64, p registry.Pollable) sessionDetail {
	switch s := p.(type) {
	case *session.FixSession:
		return sessionDetail{SessionID: id, Protocol: "FIX", State: s.State().String(), Sequence: s.SequenceState()}
	case *session.ILink3Session:
		return sessionDetail{
			SessionID: id, Protocol: "ILINK3", State: s.State().String(), Sequence: s.SequenceState(),
			RetransmitIn: s.RetransmitPending(),
		}
	default:
		return sessionDetail{SessionID: id, Protocol: "UNKNOWN"}
	}
}

// Server is the admin HTTP surface. It wraps a gin.Engine preconfigured
// with the teacher's logging/recovery/CORS middleware.
type Server struct {
	engine *gin.Engine
	reg    *registry.Registry
	dir    *mysql.Directory
}

// New builds the admin API router. dir may be nil if durable directory
// listing isn't wired (e.g. in tests). limiter may be nil to skip rate
// limiting entirely (tests, or a deployment that fronts the admin surface
// with its own limiter); when non-nil, cfg.Enabled still gates whether
// RateLimitMiddleware actually enforces anything per request.
func New(reg *registry.Registry, dir *mysql.Directory, limiter ratelimit.RateLimiter, cfg config.RateLimitConfig) *Server {
	engine := gin.New()
	engine.Use(middleware.GinRecoveryMiddleware(), middleware.GinLoggingMiddleware(), middleware.GinCORSMiddleware())
	if limiter != nil {
		engine.Use(middleware.RateLimitMiddleware(limiter, cfg))
	}

	s := &Server{engine: engine, reg: reg, dir: dir}
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.engine.Group("/admin/v1")
	g.GET("/sessions", s.listSessions)
	g.GET("/sessions/:id", s.getSession)
	g.GET("/directory", s.listDirectory)
	g.GET("/healthz", s.healthz)
}

// Handler returns the underlying http.Handler for embedding in a server or
// for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions := s.reg.Sessions()
	out := make([]sessionDetail, 0, len(sessions))
	for id, p := range sessions {
		out = append(out, describe(id, p))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	sessions := s.reg.Sessions()
	p, ok := sessions[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, describe(id, p))
}

func (s *Server) listDirectory(c *gin.Context) {
	if s.dir == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []mysql.SessionDirectoryModel{}})
		return
	}
	entries, err := s.dir.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func parseID(raw string) (uint64, bool) {
	var n uint64
	if raw == "" {
		return 0, false
	}
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + uint64(ch-'0')
	}
	return n, true
}
