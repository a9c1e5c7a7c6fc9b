package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/response"
)

const (
	throttleSweepEvery = 5 * time.Minute
	// maxEmailBodyBytes caps how much of a request body is buffered to find the email.
	maxEmailBodyBytes = 4 << 10
)

// KeyFunc extracts the throttling key from a request. An empty key skips throttling.
type KeyFunc func(c *gin.Context) string

type throttler struct {
	limiters  sync.Map // map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	mu        sync.Mutex
	lastSweep time.Time
}

func (t *throttler) limiter(key string) *rate.Limiter {
	if l, ok := t.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	actual, _ := t.limiters.LoadOrStore(key, rate.NewLimiter(t.limit, t.burst))
	t.sweep()
	return actual.(*rate.Limiter)
}

// sweep drops limiters whose bucket has refilled, meaning the key went idle.
func (t *throttler) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Since(t.lastSweep) < throttleSweepEvery {
		return
	}
	t.lastSweep = time.Now()

	t.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(t.burst) {
			t.limiters.Delete(key)
		}
		return true
	})
}

// Throttle applies a token bucket per key in process. It complements the
// shared RateLimit by smoothing bursts aimed at a single account.
func Throttle(rps float64, burst int, key KeyFunc) gin.HandlerFunc {
	if rps <= 0 || burst <= 0 || key == nil {
		return func(c *gin.Context) { c.Next() }
	}

	t := &throttler{limit: rate.Limit(rps), burst: burst, lastSweep: time.Now()}

	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}

		l := t.limiter(k)
		if !l.Allow() {
			reservation := l.Reserve()
			delay := reservation.Delay()
			reservation.Cancel()

			c.Header("Retry-After", strconv.Itoa(max(1, int(delay.Seconds()))))
			response.Abort(c, errors.ErrRateLimit)
			return
		}
		c.Next()
	}
}

// BodyEmailKey reads the "email" field of a JSON body and restores the body
// for the handler. Addresses are lowercased.
func BodyEmailKey(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxEmailBodyBytes)
	raw, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		// Replay the failure so the handler rejects the body instead of
		// binding a truncated prefix.
		c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), errReader{err}))
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var payload struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return ""
	}
	email := strings.ToLower(strings.TrimSpace(payload.Email))
	if email == "" {
		return ""
	}
	return "email:" + email
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
