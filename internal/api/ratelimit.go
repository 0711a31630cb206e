package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter 按客户端IP的令牌桶：每个period最多limit次，令牌匀速补充
type clientLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*visitor
}

func newClientLimiter(limit int, period time.Duration) *clientLimiter {
	if limit <= 0 {
		limit = 10
	}
	if period <= 0 {
		period = time.Minute
	}
	return &clientLimiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		clients: make(map[string]*visitor),
	}
}

// allow 返回是否放行以及需要等待的时间
func (l *clientLimiter) allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.clients[client]
	if !ok {
		l.sweep(now)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(l.period/time.Duration(l.limit)), l.limit)}
		l.clients[client] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep 清理空闲超过一个周期的客户端，此时其令牌桶已经补满
func (l *clientLimiter) sweep(now time.Time) {
	if len(l.clients) < 1024 {
		return
	}
	for k, v := range l.clients {
		if now.Sub(v.lastSeen) >= l.period {
			delete(l.clients, k)
		}
	}
}

func (l *clientLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "扫描请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}
