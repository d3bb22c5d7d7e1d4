package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-pipeline/config"
	"task-pipeline/domain"
	"task-pipeline/notification-service/fanout"
)

const headerUserID = "X-User-Id"

type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
	UserIDFromToken(string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// Deps are the collaborators the push endpoints need.
type Deps struct {
	Registry   *fanout.Registry
	Notifier   Notifier
	Auth       Authenticator
	Push       config.PushConfig
	QueueState func() string
	Logger     log.FieldLogger
}

type server struct {
	reg      *fanout.Registry
	notifier Notifier
	auth     Authenticator
	push     config.PushConfig
	state    func() string
	limiter  *handshakeLimiter
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      log.FieldLogger
	now      func() time.Time
}

type notifyRequest struct {
	Message string `json:"message" validate:"required"`
}

// Register wires the push, direct-send and health endpoints. The returned
// function releases the handshake limiter.
func Register(e *echo.Echo, deps Deps) func() {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if deps.Push.SendBuffer <= 0 {
		deps.Push.SendBuffer = 256
	}
	if deps.Push.AuthTimeout <= 0 {
		deps.Push.AuthTimeout = 10 * time.Second
	}
	if deps.Push.HandshakeRate <= 0 {
		deps.Push.HandshakeRate = 5
	}
	if deps.Push.HandshakeBurst <= 0 {
		deps.Push.HandshakeBurst = 10
	}
	s := &server{
		reg:      deps.Registry,
		notifier: deps.Notifier,
		auth:     deps.Auth,
		push:     deps.Push,
		state:    deps.QueueState,
		limiter:  newHandshakeLimiter(deps.Push.HandshakeRate, deps.Push.HandshakeBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		validate: validator.New(),
		log:      deps.Logger.WithField("component", "push-api"),
		now:      time.Now,
	}

	limited := s.limiter.middleware()
	e.GET("/ws", s.websocket, limited)
	e.GET("/stream", s.stream, limited)
	e.POST("/notify/me", s.notifyMe)
	e.GET("/health", s.health)
	return s.limiter.stop
}

// websocket authenticates before upgrading when the credential travels with
// the request; otherwise the first frame must be an auth event.
func (s *server) websocket(c echo.Context) error {
	var userID string
	token, err := tokenFromRequest(c)
	switch {
	case err == nil:
		userID, err = s.auth.UserIDFromToken(token)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
	case !errors.Is(err, errMissingToken):
		return c.String(http.StatusUnauthorized, err.Error())
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return nil
	}

	if userID == "" {
		token, err := readAuthFrame(conn, s.push.AuthTimeout)
		if err == nil {
			userID, err = s.auth.UserIDFromToken(token)
		}
		if err != nil {
			s.log.WithError(err).WithField("remote_addr", c.RealIP()).Info("websocket auth rejected")
			rejectWebSocket(conn, err)
			return nil
		}
	}

	session := newWSSession(uuid.NewString(), userID, conn, s.push.SendBuffer, s.log)
	if err := s.reg.Register(session.id, userID, session); err != nil {
		session.log.WithError(err).Error("register connection")
		rejectWebSocket(conn, err)
		return nil
	}
	defer func() {
		s.reg.Unregister(session.id)
		session.Close()
	}()
	session.log.Info("websocket connected")

	if welcome, err := domain.EncodeNotification(domain.Welcome(s.now())); err == nil {
		session.Deliver(welcome)
	}
	go session.writePump()
	session.readPump()
	session.log.Info("websocket disconnected")
	return nil
}

// stream serves the same notifications over server-sent events.
func (s *server) stream(c echo.Context) error {
	token, err := tokenFromRequest(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	userID, err := s.auth.UserIDFromToken(token)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	flusher, ok := prepareSSE(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	id := uuid.NewString()
	session := newSSESession(s.push.SendBuffer)
	if err := s.reg.Register(id, userID, session); err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	defer func() {
		s.reg.Unregister(id)
		session.Close()
	}()
	logger := s.log.WithFields(log.Fields{"connection": id, "user": userID, "transport": "sse"})
	logger.Info("stream connected")

	c.Response().WriteHeader(http.StatusOK)
	welcome, err := domain.EncodeNotification(domain.Welcome(s.now()))
	if err != nil {
		return err
	}
	if err := writeSSEEvent(c, flusher, eventNotification, welcome); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stream disconnected")
			return nil
		case <-session.done:
			return nil
		case payload := <-session.send:
			if err := writeSSEEvent(c, flusher, eventNotification, payload); err != nil {
				logger.WithError(err).Debug("stream write failed")
				return nil
			}
		case <-keepAlive.C:
			if err := writeSSEComment(c, flusher, "ping"); err != nil {
				return nil
			}
		}
	}
}

// notifyMe sends a direct notification to the caller's own connections. The
// gateway resolves the caller into the X-User-Id header; a bearer token is
// accepted as well.
func (s *server) notifyMe(c echo.Context) error {
	userID := c.Request().Header.Get(headerUserID)
	if userID == "" {
		if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
			if uid, err := s.auth.UserIDFromAuthHeader(h); err == nil {
				userID = uid
			}
		}
	}
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Missing x-user-id"})
	}

	var req notifyRequest
	body, err := readBody(c)
	if err == nil && len(body) > 0 {
		err = sonic.Unmarshal(body, &req)
	}
	if err != nil || s.validate.Struct(req) != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing message"})
	}

	if err := s.notifier.Notify(c.Request().Context(), userID, req.Message); err != nil {
		s.log.WithError(err).WithField("user", userID).Error("direct notification failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "notification not sent"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *server) health(c echo.Context) error {
	resp := map[string]any{
		"ok":          true,
		"connections": s.reg.Len(),
	}
	if s.state != nil {
		resp["queue"] = s.state()
	}
	return c.JSON(http.StatusOK, resp)
}
