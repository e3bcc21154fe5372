// Package transport is the HTTP and WebSocket edge of the room service.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/room"
)

const (
	SessionCookie    = "sessionId"
	sessionCookieAge = 7 * 24 * time.Hour
	qrSize           = 320
)

type Server struct {
	options Options

	ctx    context.Context
	cancel context.CancelFunc

	router   *gin.Engine
	http     *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	registry *room.Registry

	mu          sync.Mutex
	activeConns map[*Conn]struct{}
	connWaiter  sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error

	log *zap.Logger
}

func NewServer(options Options) *Server {
	options.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		options:     options,
		ctx:         ctx,
		cancel:      cancel,
		registry:    options.Registry,
		activeConns: make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: options.Log,
	}

	s.router = setupRouter(options.DebugHTTP, options.Log.Named("http"))
	s.routes()

	s.http = &http.Server{Handler: s.router}

	return s
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func (s *Server) routes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/create-room", s.createRoom)
	s.router.POST("/room/:id/join", s.joinRoom)
	s.router.GET("/room/:id", s.connect)
	s.router.GET("/room/:id/qr", s.qr)
}

// Handler serves every route without listening, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on Host:Port and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port))

	var (
		listener net.Listener
		err      error
	)

	if s.options.Reuseport {
		listener, err = reuseport.Listen("tcp", addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}

	if err != nil {
		return err
	}

	s.listener = listener

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Http server errored", zap.Error(err))
		}
	}()

	s.log.Info("Listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr is the address Start bound to.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Shutdown stops accepting requests, closes every WebSocket and waits for
// their loops to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.http.SetKeepAlivesEnabled(false)
		s.shutdownErr = s.http.Shutdown(ctx)

		s.cancel()
		s.closeConns()
	})

	done := make(chan struct{})
	go func() {
		s.connWaiter.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.shutdownErr
}

type usernameInput struct {
	Username string `json:"username" binding:"required"`
}

type sessionOutput struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
}

func (s *Server) createRoom(c *gin.Context) {
	var in usernameInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request"})
		return
	}

	id, sessionID, err := s.registry.Create(c.Request.Context(), in.Username)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.setSession(c, sessionID)
	c.JSON(http.StatusOK, sessionOutput{ID: id, SessionID: sessionID})
}

func (s *Server) joinRoom(c *gin.Context) {
	var in usernameInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request"})
		return
	}

	id := c.Param("id")

	sessionID, err := s.registry.Join(c.Request.Context(), id, in.Username)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.setSession(c, sessionID)
	c.JSON(http.StatusOK, sessionOutput{ID: id, SessionID: sessionID})
}

func (s *Server) connect(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"message": "Expected Upgrade: websocket"})
		return
	}

	ctx := c.Request.Context()

	rm, err := s.registry.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	sessionID := sessionFrom(c)
	if sessionID == "" {
		s.fail(c, room.ErrUnknownSession)
		return
	}

	if err := rm.Authorize(ctx, sessionID); err != nil {
		s.fail(c, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.log.Debug("Upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(s.ctx, ws, rm, s.options)

	// The room may have expired or dropped the session since Authorize.
	if err := rm.Connect(ctx, sessionID, conn); err != nil {
		s.log.Info("Refusing connection", zap.String("room", rm.ID()), zap.Error(err))

		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, protocol.AsError(err).Message),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	if !s.addConn(conn) {
		_ = conn.Close()
	}
	defer s.removeConn(conn)

	conn.Serve()
}

func (s *Server) qr(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.registry.Get(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	png, err := qrcode.Encode(s.joinURL(c, id), qrcode.Medium, qrSize)
	if err != nil {
		s.log.Error("Failed to encode QR code", zap.String("room", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "QR generation failed"})
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

// joinURL is the page a player opens to join room id.
func (s *Server) joinURL(c *gin.Context, id string) string {
	if s.options.PublicURL != "" {
		base, err := url.Parse(s.options.PublicURL)
		if err == nil {
			return base.ResolveReference(&url.URL{Path: "/room/" + id}).String()
		}
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}

	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	return (&url.URL{Scheme: scheme, Host: c.Request.Host, Path: "/room/" + id}).String()
}

func (s *Server) setSession(c *gin.Context, sessionID string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(sessionCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// sessionFrom reads the session from the cookie, falling back to the
// sessionId query parameter for clients that cannot set cookies.
func sessionFrom(c *gin.Context) string {
	if sessionID, err := c.Cookie(SessionCookie); err == nil && sessionID != "" {
		return sessionID
	}

	return c.Query(SessionCookie)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"message": "Internal server error"})
		return
	}

	c.JSON(status, gin.H{"message": protocol.AsError(err).Message})
}

func httpStatus(err error) int {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError
	}

	switch perr.Code {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeUnauthorized:
		return http.StatusUnauthorized
	case protocol.CodeBadInput, protocol.CodeBadRequest, protocol.CodeParseError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) addConn(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	s.activeConns[conn] = struct{}{}
	s.connWaiter.Add(1)
	return true
}

func (s *Server) removeConn(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activeConns[conn]; ok {
		delete(s.activeConns, conn)
		s.connWaiter.Done()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.activeConns {
		_ = conn.Close()
	}
}
