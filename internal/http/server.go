package http

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/feed"
	"github.com/example/helpdesk/backend/internal/gate"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/roles"
	"github.com/example/helpdesk/backend/internal/service"
	"github.com/example/helpdesk/backend/internal/worker"
)

// Deps are the collaborators the API needs.
type Deps struct {
	Tickets  *service.TicketService
	Feeds    *feed.Manager
	Resolver *roles.Resolver
	Verifier *identity.TokenVerifier
	Monitor  *worker.ConnectivityMonitor
}

// Server wraps the gin engine and collaborators needed to handle API requests.
type Server struct {
	Engine   *gin.Engine
	tickets  *service.TicketService
	feeds    *feed.Manager
	resolver *roles.Resolver
	verifier *identity.TokenVerifier
	monitor  *worker.ConnectivityMonitor
	upgrader websocket.Upgrader
}

// NewServer constructs a new API server and registers routes.
func NewServer(deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	srv := &Server{
		Engine:   router,
		tickets:  deps.Tickets,
		feeds:    deps.Feeds,
		resolver: deps.Resolver,
		verifier: deps.Verifier,
		monitor:  deps.Monitor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/healthz", s.health)
	s.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Engine.Group("/api", s.authenticate())
	api.GET("/me", s.me)
	api.POST("/tickets", s.createTicket)
	api.POST("/attachments", s.uploadAttachment)
	api.GET("/tickets/mine", s.myTickets)
	api.GET("/tickets/stats", s.dashboard)
	api.POST("/tickets/refresh", s.refresh)
	api.GET("/tickets/:id", s.getTicket)
	api.POST("/tickets/:id/comments", s.addComment)
	api.GET("/feed", s.ticketFeed)

	admin := api.Group("/admin", s.requireRole(models.RoleAdmin))
	admin.GET("/tickets", s.listTickets)
	admin.PATCH("/tickets/:id/status", s.updateStatus)
	admin.PATCH("/tickets/:id/assignee", s.assign)
	admin.GET("/users", s.listUsers)
	admin.GET("/users/:id", s.getUser)
	admin.PATCH("/users/:id/role", s.setRole)
	admin.GET("/feed/health", s.feedHealth)
	admin.POST("/feed/reenable", s.reEnable)
}

func (s *Server) health(c *gin.Context) {
	online := s.monitor == nil || s.monitor.Online()
	status := http.StatusOK
	if !online {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"online": online, "feeds": s.feeds.HealthAll()})
}

func (s *Server) me(c *gin.Context) {
	caller := mustCaller(c)
	c.JSON(http.StatusOK, gin.H{
		"identity":    caller.Identity,
		"role":        caller.Role,
		"defaultView": gate.DefaultView(caller.Role),
	})
}

func (s *Server) createTicket(c *gin.Context) {
	var draft models.TicketDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		respondError(c, apperr.Validation("invalid_body", err.Error()))
		return
	}
	ticket, err := s.tickets.CreateTicket(c.Request.Context(), mustCaller(c), draft)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (s *Server) uploadAttachment(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, apperr.Validation("missing_file", "multipart field file is required"))
		return
	}
	if header.Size > service.MaxAttachmentSize {
		respondError(c, apperr.Validation("file_too_large", "attachment is too large"))
		return
	}
	f, err := header.Open()
	if err != nil {
		respondError(c, apperr.Validation("invalid_file", err.Error()))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, service.MaxAttachmentSize+1))
	if err != nil {
		respondError(c, apperr.Validation("invalid_file", err.Error()))
		return
	}
	url, err := s.tickets.UploadAttachment(c.Request.Context(), mustCaller(c), header.Filename, data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": url})
}

func (s *Server) myTickets(c *gin.Context) {
	tickets, err := s.tickets.ListMine(c.Request.Context(), mustCaller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (s *Server) dashboard(c *gin.Context) {
	d, err := s.tickets.Dashboard(c.Request.Context(), mustCaller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// refresh is the manual pull used while live updates are disabled. Like the feed fallback
// it never fails on backend errors; it answers with an empty list.
func (s *Server) refresh(c *gin.Context) {
	caller := mustCaller(c)
	scope, err := feed.ParseScope(c.Query("scope"), caller.Identity.UID)
	if err != nil {
		respondError(c, err)
		return
	}
	if scope.Kind == feed.ScopeAll {
		id := caller.Identity
		if out := gate.Decide(models.RoleAdmin, roles.State{Identity: &id, Role: caller.Role}); out.Decision != gate.Render {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required", "code": "forbidden", "redirect": out.Location})
			return
		}
	}
	var tickets []models.Ticket
	if err := s.feeds.Refresh(c.Request.Context(), scope, func(t []models.Ticket) { tickets = t }); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "health": s.feeds.Health(scope.Kind)})
}

func (s *Server) getTicket(c *gin.Context) {
	ticket, err := s.tickets.GetTicket(c.Request.Context(), mustCaller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) addComment(c *gin.Context) {
	var payload struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, apperr.Validation("invalid_body", err.Error()))
		return
	}
	if err := s.tickets.AddComment(c.Request.Context(), mustCaller(c), c.Param("id"), payload.Text); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) listTickets(c *gin.Context) {
	var f service.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		respondError(c, apperr.Validation("invalid_filter", err.Error()))
		return
	}
	tickets, err := s.tickets.ListAll(c.Request.Context(), mustCaller(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (s *Server) updateStatus(c *gin.Context) {
	var payload struct {
		Status models.TicketStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, apperr.Validation("invalid_body", err.Error()))
		return
	}
	if err := s.tickets.UpdateStatus(c.Request.Context(), mustCaller(c), c.Param("id"), payload.Status); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) assign(c *gin.Context) {
	var payload struct {
		AssigneeID string `json:"assigneeId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, apperr.Validation("invalid_body", err.Error()))
		return
	}
	if err := s.tickets.Assign(c.Request.Context(), mustCaller(c), c.Param("id"), payload.AssigneeID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.tickets.Users(c.Request.Context(), mustCaller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) getUser(c *gin.Context) {
	user, err := s.tickets.User(c.Request.Context(), mustCaller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) setRole(c *gin.Context) {
	var payload struct {
		Role models.Role `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, apperr.Validation("invalid_body", err.Error()))
		return
	}
	if err := s.tickets.SetRole(c.Request.Context(), mustCaller(c), c.Param("id"), payload.Role); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) feedHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.feeds.HealthAll())
}

func (s *Server) reEnable(c *gin.Context) {
	s.feeds.ReEnable()
	c.JSON(http.StatusOK, s.feeds.HealthAll())
}
