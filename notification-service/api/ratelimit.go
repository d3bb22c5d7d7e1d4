package api

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = time.Minute

// handshakeLimiter throttles connection attempts per client address. An
// address's limiter is evicted after limiterIdleTTL without handshakes.
type handshakeLimiter struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newHandshakeLimiter(perSecond float64, burst int) *handshakeLimiter {
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
	)
	go cache.Start()
	return &handshakeLimiter{limiters: cache, limit: rate.Limit(perSecond), burst: burst}
}

func (l *handshakeLimiter) limiterFor(ip string) *rate.Limiter {
	item, _ := l.limiters.GetOrSet(ip, rate.NewLimiter(l.limit, l.burst))
	return item.Value()
}

func (l *handshakeLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limiter := l.limiterFor(c.RealIP())
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				log.WithFields(log.Fields{"path": c.Path(), "remote_addr": c.RealIP()}).Warn("handshake rate limit exceeded")
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
				return c.String(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			}
			return next(c)
		}
	}
}

func (l *handshakeLimiter) stop() {
	l.limiters.Stop()
}
