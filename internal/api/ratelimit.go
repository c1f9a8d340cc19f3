// Admission control for the decision stream.
// A fixed window bounds how often one client may open a stream, and caps
// bound how many streams stay open at once, overall and per client.
package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GateLimits configures a StreamGate.
type GateLimits struct {
	Connects     int           // New streams per client per window
	Window       time.Duration // Connect window
	MaxOpen      int           // Concurrent streams across all clients
	MaxPerClient int           // Concurrent streams per client
}

// Denial explains a refused stream. A zero Status means the stream was
// admitted.
type Denial struct {
	Status     int
	Reason     string
	RetryAfter int // Seconds; only set when the connect window is exhausted
}

// StreamGate tracks connect attempts and open streams per client IP.
type StreamGate struct {
	mu      sync.Mutex
	limits  GateLimits
	clients map[string]*client
	open    int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type client struct {
	connects    int // Remaining in the current window
	windowStart time.Time
	open        int
}

// NewStreamGate creates a gate. Call Close to stop the cleanup goroutine.
func NewStreamGate(limits GateLimits) *StreamGate {
	g := &StreamGate{
		limits:  limits,
		clients: make(map[string]*client),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	// Periodic cleanup of idle clients.
	go func() {
		defer close(g.done)
		t := time.NewTicker(limits.Window)
		defer t.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-t.C:
				g.cleanup()
			}
		}
	}()
	return g
}

// Close stops the cleanup goroutine.
func (g *StreamGate) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

// Admit reserves a stream slot for ip. On success the caller must call
// release exactly once when the stream ends.
func (g *StreamGate) Admit(ip string) (release func(), d Denial) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open >= g.limits.MaxOpen {
		return nil, Denial{Status: http.StatusServiceUnavailable, Reason: "too many stream connections"}
	}

	c, ok := g.clients[ip]
	now := g.now()
	if !ok {
		c = &client{connects: g.limits.Connects, windowStart: now}
		g.clients[ip] = c
	}
	if c.open >= g.limits.MaxPerClient {
		return nil, Denial{Status: http.StatusTooManyRequests, Reason: "too many streams from this client"}
	}
	if now.Sub(c.windowStart) >= g.limits.Window {
		c.connects, c.windowStart = g.limits.Connects, now
	}
	if c.connects <= 0 {
		return nil, Denial{
			Status:     http.StatusTooManyRequests,
			Reason:     "rate limit exceeded",
			RetryAfter: g.retryAfter(c, now),
		}
	}

	c.connects--
	c.open++
	g.open++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			c.open--
			g.open--
			g.mu.Unlock()
		})
	}, Denial{}
}

// Open returns the number of admitted streams not yet released.
func (g *StreamGate) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *StreamGate) retryAfter(c *client, now time.Time) int {
	remaining := g.limits.Window - now.Sub(c.windowStart)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// cleanup forgets clients with no open stream whose window is long past.
func (g *StreamGate) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, c := range g.clients {
		if c.open == 0 && now.Sub(c.windowStart) > 2*g.limits.Window {
			delete(g.clients, ip)
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware holds a stream slot for the lifetime of next. Refusals get 503
// when the server is full and 429 (with Retry-After when the window is
// spent) when the client is over its own limits.
func (g *StreamGate) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		release, d := g.Admit(clientIP(r))
		if d.Status != 0 {
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			}
			http.Error(w, d.Reason, d.Status)
			return
		}
		defer release()
		next(w, r)
	}
}
