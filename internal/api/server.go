// Package api exposes the admin and registration surface over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/auth"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/dispatcher"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/registry"
)

// Registry is the storage surface the handlers need.
type Registry interface {
	Register(ctx context.Context, in registry.RegisterInput) (*registry.Identity, error)
	ListResidents(ctx context.Context, page, pageSize int) ([]*registry.Identity, error)
	ResidentCount(ctx context.Context) (int64, error)
	AccessCode(ctx context.Context) (string, error)
	SetAccessCode(ctx context.Context, code string) error
	AdminPasswordHash(ctx context.Context) (string, error)
	SetAdminPasswordHash(ctx context.Context, hash string) error
}

// InboxChecker triggers one mailbox pass on demand.
type InboxChecker interface {
	Run(ctx context.Context, window time.Duration) (dispatcher.Summary, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	reg     Registry
	checker InboxChecker
	jwt     *auth.JWTManager
	window  time.Duration
	logger  *log.Logger
}

// ServerOption customizes the server.
type ServerOption func(*Server)

// WithLogger overrides the request logger.
func WithLogger(logger *log.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSearchWindow bounds how far back manual inbox checks look.
func WithSearchWindow(d time.Duration) ServerOption {
	return func(s *Server) { s.window = d }
}

// NewServer wires the handler set.
func NewServer(reg Registry, checker InboxChecker, jwt *auth.JWTManager, opts ...ServerOption) *Server {
	s := &Server{
		reg:     reg,
		checker: checker,
		jwt:     jwt,
		window:  48 * time.Hour,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/register", s.handleRegister)
	api.POST("/admin/login", s.handleAdminLogin)
	// First-boot path: setting the very first admin password needs no
	// token, since no login is possible yet. Guarded inside the handler.
	api.POST("/admin/password", s.handleSetAdminPassword)

	admin := api.Group("", s.requireAuth())
	admin.GET("/admin/access-code", s.handleGetAccessCode)
	admin.PUT("/admin/access-code", s.handleSetAccessCode)
	admin.GET("/admin/residents", s.handleListResidents)
	admin.POST("/check-inbox", s.handleCheckInbox)

	return r
}

// requireAuth rejects requests without a valid admin bearer token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}
		claims, err := s.jwt.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerRequest struct {
	FullName string `json:"fullName" binding:"required"`
	Phone    string `json:"phone" binding:"required"`
	DOB      string `json:"dob" binding:"required"`
	CPF      string `json:"cpf" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid fields"})
		return
	}

	identity, err := s.reg.Register(c.Request.Context(), registry.RegisterInput{
		FullName: req.FullName,
		Phone:    req.Phone,
		DOB:      req.DOB,
		CPF:      req.CPF,
		Email:    req.Email,
	})
	switch {
	case errors.Is(err, registry.ErrInvalidCPF):
		c.JSON(http.StatusBadRequest, gin.H{"error": "CPF inválido"})
		return
	case errors.Is(err, registry.ErrAlreadyRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "CPF já cadastrado"})
		return
	case errors.Is(err, registry.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registro temporariamente indisponível"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The registration form shows the current code right away when one is
	// configured; the email path stays available either way.
	resp := gin.H{"identity": identity}
	if code, err := s.reg.AccessCode(c.Request.Context()); err == nil {
		resp["code"] = code
	}
	c.JSON(http.StatusCreated, resp)
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	hash, err := s.reg.AdminPasswordHash(c.Request.Context())
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin password not configured"})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login temporarily unavailable"})
		return
	}

	if !auth.VerifyPassword(req.Password, hash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "senha incorreta"})
		return
	}

	token, err := s.jwt.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

type passwordRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

func (s *Server) handleSetAdminPassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password must have at least 8 characters"})
		return
	}

	// Changing an existing password requires a valid admin token; only the
	// initial set is open.
	_, lookupErr := s.reg.AdminPasswordHash(c.Request.Context())
	switch {
	case lookupErr == nil:
		token := extractBearer(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}
		if _, err := s.jwt.ValidateToken(token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
	case errors.Is(lookupErr, registry.ErrNotFound):
		// First boot, no password to authenticate against.
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hashing failed"})
		return
	}
	if err := s.reg.SetAdminPasswordHash(c.Request.Context(), hash); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleGetAccessCode(c *gin.Context) {
	code, err := s.reg.AccessCode(c.Request.Context())
	switch {
	case errors.Is(err, registry.ErrNoAccessCode):
		c.JSON(http.StatusNotFound, gin.H{"error": "access code not configured"})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		c.JSON(http.StatusOK, gin.H{"code": code})
	}
}

type accessCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) handleSetAccessCode(c *gin.Context) {
	var req accessCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code required"})
		return
	}
	if err := s.reg.SetAccessCode(c.Request.Context(), req.Code); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleListResidents(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)

	residents, err := s.reg.ListResidents(c.Request.Context(), page, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	total, err := s.reg.ResidentCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"residents": residents,
		"total":     total,
		"page":      page,
		"limit":     limit,
	})
}

func (s *Server) handleCheckInbox(c *gin.Context) {
	summary, err := s.checker.Run(c.Request.Context(), s.window)
	if err != nil {
		s.logger.Printf("api: manual inbox check: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "mailbox unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"searched": summary.Searched,
		"outcomes": summary.Counts,
		"elapsed":  summary.Elapsed.String(),
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
