package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/agentgov/internal/clock"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour, Clock: clk})
	t.Cleanup(l.Stop)
	return l, clk
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 3)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestAllow_Refills(t *testing.T) {
	l, clk := newTestLimiter(t, 60, 1)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("k"))
}

func TestAllow_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
}

func TestEvictIdle(t *testing.T) {
	l, clk := newTestLimiter(t, 60, 1)
	l.Allow("old")
	clk.Advance(5 * time.Minute)
	l.evictIdle(2 * time.Minute)

	l.mu.Lock()
	_, ok := l.buckets["old"]
	l.mu.Unlock()
	assert.False(t, ok)
}

func TestMiddleware_PerAgent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(agent string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		if agent != "" {
			req.Header.Set(AgentHeader, agent)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("agent-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("agent-1"))
	assert.Equal(t, http.StatusOK, do("agent-2"))
	assert.Equal(t, http.StatusOK, do(""))
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
