// Package devserver emulates the remote chat server locally: the same
// REST envelope, SSE stream and WebSocket channel, backed by in-memory
// state and a pluggable reply function. It exists for offline development
// and for exercising the client end to end in tests.
package devserver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Reply produces the assistant response for one inbound message. The
// default implementation echoes the message text.
type Reply func(sessionID string, message string) string

// Options configures a Server.
type Options struct {
	Username string // default "astrbot"
	Password string // plaintext; the wire carries its MD5
	Logger   *slog.Logger
	Reply    Reply
	// StreamChunks splits the reply into this many streamed plain events.
	// Zero or one sends a single non-streaming event.
	StreamChunks int
}

type session struct {
	ID        string
	Platform  string
	CreatedAt time.Time
	Messages  []storedMessage
}

type storedMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type attachment struct {
	ID       string
	Filename string
	Data     []byte
	Type     string
}

// Server is the local emulator.
type Server struct {
	router *gin.Engine
	logger *slog.Logger
	opts   Options

	passwordMD5 string
	logins      *loginLimiter

	mu          sync.Mutex
	token       string
	sessions    map[string]*session
	attachments map[string]*attachment
	clients     map[string]*wsClient
	frames      []RecordedFrame
}

// RecordedFrame is one client-originated WebSocket frame kept for
// inspection.
type RecordedFrame struct {
	Type string
	Raw  []byte
}

func (s *Server) recordFrame(frameType string, raw []byte) {
	data := make([]byte, len(raw))
	copy(data, raw)
	s.mu.Lock()
	s.frames = append(s.frames, RecordedFrame{Type: frameType, Raw: data})
	s.mu.Unlock()
}

// Frames returns recorded WebSocket frames, optionally filtered by type.
func (s *Server) Frames(frameType string) []RecordedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedFrame
	for _, f := range s.frames {
		if frameType == "" || f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// New builds an emulator with default credentials astrbot/astrbot.
func New(opts Options) *Server {
	if opts.Username == "" {
		opts.Username = "astrbot"
	}
	if opts.Password == "" {
		opts.Password = "astrbot"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reply == nil {
		opts.Reply = func(sessionID, message string) string {
			return "echo: " + message
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	sum := md5.Sum([]byte(opts.Password))
	s := &Server{
		router:      router,
		logger:      opts.Logger.With("component", "devserver"),
		opts:        opts,
		passwordMD5: hex.EncodeToString(sum[:]),
		logins:      newLoginLimiter(20, time.Minute),
		sessions:    make(map[string]*session),
		attachments: make(map[string]*attachment),
		clients:     make(map[string]*wsClient),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.POST("/auth/login", s.handleLogin)

	chat := api.Group("/chat")
	chat.Use(s.authMiddleware())
	{
		chat.GET("/sessions", s.handleListSessions)
		chat.GET("/new_session", s.handleNewSession)
		chat.GET("/get_session", s.handleGetSession)
		chat.GET("/delete_session", s.handleDeleteSession)
		chat.POST("/post_file", s.handleUpload)
		chat.GET("/get_file", s.handleGetFile)
		chat.GET("/get_attachment", s.handleGetAttachment)
		chat.POST("/send", s.handleSend)
	}

	s.router.GET("/ws/client", s.handleWebSocket)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

// Token returns the currently issued bearer token ("" before login).
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info("starting dev server", "address", addr)

	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("dev server failed to start: %w", err)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case err := <-listenErr:
		return fmt.Errorf("dev server runtime error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down dev server")
	return srv.Shutdown(shutdownCtx)
}

func ok(data any) gin.H {
	return gin.H{"status": "ok", "message": "", "data": data}
}

func fail(message string) gin.H {
	return gin.H{"status": "error", "message": message, "data": nil}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		s.mu.Lock()
		valid := s.token != "" && token == s.token
		s.mu.Unlock()
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, fail("unauthorized"))
			return
		}
		c.Next()
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.logins.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, fail("too many login attempts"))
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, fail("invalid request"))
		return
	}
	if req.Username != s.opts.Username || req.Password != s.passwordMD5 {
		c.JSON(http.StatusOK, fail("invalid username or password"))
		return
	}

	s.mu.Lock()
	s.token = uuid.NewString()
	token := s.token
	s.mu.Unlock()

	c.JSON(http.StatusOK, ok(gin.H{
		"token":           token,
		"username":        req.Username,
		"change_pwd_hint": s.opts.Password == "astrbot",
	}))
}

func (s *Server) handleListSessions(c *gin.Context) {
	platform := c.Query("platform_id")
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]gin.H, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if platform != "" && sess.Platform != platform {
			continue
		}
		list = append(list, gin.H{
			"session_id":  sess.ID,
			"platform_id": sess.Platform,
			"updated_at":  sess.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, ok(list))
}

func (s *Server) handleNewSession(c *gin.Context) {
	platform := c.DefaultQuery("platform_id", "webchat")
	sess := &session{
		ID:        uuid.NewString(),
		Platform:  platform,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	c.JSON(http.StatusOK, ok(gin.H{"session_id": sess.ID}))
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Query("session_id")
	s.mu.Lock()
	sess, found := s.sessions[id]
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusOK, fail("session not found"))
		return
	}
	c.JSON(http.StatusOK, ok(gin.H{
		"session_id": sess.ID,
		"history":    sess.Messages,
	}))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Query("session_id")
	s.mu.Lock()
	_, found := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusOK, fail("session not found"))
		return
	}
	c.JSON(http.StatusOK, ok(nil))
}

func (s *Server) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, fail("missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, fail("read file failed"))
		return
	}

	att := &attachment{
		ID:       uuid.NewString(),
		Filename: header.Filename,
		Data:     data,
		Type:     header.Header.Get("Content-Type"),
	}
	s.mu.Lock()
	s.attachments[att.ID] = att
	s.mu.Unlock()

	c.JSON(http.StatusOK, ok(gin.H{
		"attachment_id": att.ID,
		"filename":      att.Filename,
		"type":          att.Type,
	}))
}

func (s *Server) handleGetFile(c *gin.Context) {
	name := c.Query("filename")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, att := range s.attachments {
		if att.Filename == name {
			c.Data(http.StatusOK, att.Type, att.Data)
			return
		}
	}
	c.JSON(http.StatusNotFound, fail("file not found"))
}

func (s *Server) handleGetAttachment(c *gin.Context) {
	id := c.Query("attachment_id")
	s.mu.Lock()
	att, found := s.attachments[id]
	s.mu.Unlock()
	if !found {
		c.JSON(http.StatusNotFound, fail("attachment not found"))
		return
	}
	c.Data(http.StatusOK, att.Type, att.Data)
}
