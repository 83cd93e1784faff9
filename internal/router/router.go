package router

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/internal/intake"
	"github.com/ovaphlow/pitchfork/service-intake/internal/message"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs requests at debug level. Paths under /intake/ carry
// a bearer capability, so only the route template is logged for them.
func LoggingMiddleware(logger *zap.SugaredLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", loggedPath(r),
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

func loggedPath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	if strings.HasPrefix(r.URL.Path, "/intake/") {
		return "/intake/{token}"
	}
	return r.URL.Path
}

// SecurityHeadersMiddleware sets common HTTP security headers.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		// intake URLs must not leak through the Referer header
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		if w.Header().Get("Content-Security-Policy") == "" {
			w.Header().Set("Content-Security-Policy", "default-src 'self'; object-src 'none'; base-uri 'self';")
		}
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter hands out one token bucket per client address. Buckets idle
// long enough to have refilled completely are dropped on the next sweep.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per address with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	limit := rate.Limit(float64(perMinute) / 60)
	idle := time.Minute
	if limit > 0 {
		if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    limit,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idle {
		rl.sweep(now)
	}
	c, ok := rl.limiters[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// sweep must be called with mu held.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, c := range rl.limiters {
		if now.Sub(c.lastSeen) >= rl.idle {
			delete(rl.limiters, key)
		}
	}
	rl.lastSweep = now
}

// Len reports how many client buckets are currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware rejects requests over the address's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.get(host).Allow() {
			utilities.WriteError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Deps are the handlers and middleware mounted by RegisterRoutes.
type Deps struct {
	Sessions *access.SessionCodec
	Intake   *intake.Handler
	Messages *message.Handler
	Limiter  *RateLimiter
	Ready    func() bool
}

// RegisterRoutes mounts every endpoint on a gorilla/mux router.
func RegisterRoutes(logger *zap.SugaredLogger, d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(SecurityHeadersMiddleware)
	r.Use(LoggingMiddleware(logger))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		utilities.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil && !d.Ready() {
			utilities.WriteJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		utilities.WriteJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods(http.MethodGet)

	// public capability endpoints
	pub := r.PathPrefix("/intake").Subrouter()
	if d.Limiter != nil {
		pub.Use(d.Limiter.Middleware)
	}
	pub.HandleFunc("/{token}", d.Intake.Verify).Methods(http.MethodGet)
	pub.HandleFunc("/{token}/redeem", d.Intake.Redeem).Methods(http.MethodPost)

	// ingestion hook, authenticated by its own key
	r.HandleFunc("/api/v1/ingest/messages", d.Messages.Ingest).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(d.Sessions.Middleware(logger))
	v1.HandleFunc("/intake-links", d.Intake.IssueForNewClient).Methods(http.MethodPost)
	v1.HandleFunc("/intake-links", d.Intake.List).Methods(http.MethodGet)
	v1.HandleFunc("/workspaces/{workspaceId}/intake-links", d.Intake.IssueForWorkspace).Methods(http.MethodPost)
	v1.HandleFunc("/workspaces/{workspaceId}/intake-links", d.Intake.List).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenantId}/messages", d.Messages.ListMeta).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenantId}/messages/{messageId}", d.Messages.GetContent).Methods(http.MethodGet)

	return r
}
