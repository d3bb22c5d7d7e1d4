package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const sseKeepAlive = 25 * time.Second

// sseSession is a one-way push connection over text/event-stream.
type sseSession struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSSESession(buffer int) *sseSession {
	return &sseSession{send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *sseSession) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *sseSession) Close() {
	s.once.Do(func() { close(s.done) })
}

func prepareSSE(c echo.Context) (http.Flusher, bool) {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	return flusher, ok
}

func writeSSEEvent(c echo.Context, flusher http.Flusher, event string, data []byte) error {
	w := c.Response()
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(c echo.Context, flusher http.Flusher, comment string) error {
	if _, err := c.Response().Write([]byte(": " + comment + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
