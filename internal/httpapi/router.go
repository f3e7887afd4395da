package httpapi

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomcast/internal/metrics"
	logx "roomcast/pkg/logx"
)

// Routes builds the router for cfg. /healthz stays public; everything else
// requires cfg.Token when one is set.
func (a *API) Routes(cfg Config) http.Handler {
	cfg = cfg.withDefaults()
	r := chi.NewRouter()

	r.Use(metrics.HTTP)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(chimw.Recoverer)
	r.Use(maxBody(cfg.MaxBodyBytes))

	r.Get("/healthz", a.health)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))

		r.Handle("/metrics", promhttp.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Post("/rooms/{id}/start", a.startRoom)
			r.Put("/rooms/{id}/schedule", a.scheduleRoom)
			r.Post("/rooms/{id}/stop", a.stopRoom)
			r.Get("/rooms/{id}/playback", a.roomPlayback)
			r.Get("/rooms/{id}/deliveries", a.roomDeliveries)
			r.Get("/jobs", a.listJobs)
			r.Get("/jobs/{id}", a.getJob)
			r.Delete("/jobs/{id}", a.cancelJob)
		})

		r.Post("/hooks/rooms", a.roomHook)

		if cfg.Pprof {
			mountPprof(r, cfg.PprofPrefix)
		}
	})
	return r
}

func mountPprof(r chi.Router, prefix string) {
	prefix = normalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")
	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
	})
	r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	r.HandleFunc(base+"/profile", hpprof.Profile)
	r.HandleFunc(base+"/symbol", hpprof.Symbol)
	r.HandleFunc(base+"/trace", hpprof.Trace)
	r.HandleFunc(prefix+"*", pprofIndexAt(prefix))
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so the path is
// rewritten for custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(tok) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				const p = "Bearer "
				if strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), tok) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []logx.Field{
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", status),
					logx.Duration("latency", time.Since(start)),
					logx.String("request_id", chimw.GetReqID(r.Context())),
				}
				if status >= 500 {
					log.Warn("request completed", fields...)
					return
				}
				log.Debug("request completed", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
