package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"regioncron/internal/domain"
	"regioncron/internal/notify"
	"regioncron/internal/region"
	"regioncron/internal/scheduler"
)

type TaskLister interface {
	Tasks() []scheduler.TaskStatus
}

type RelayStats interface {
	Stats() notify.Stats
}

// Deps are the components the ops surface reports on. Scheduler and Relay
// may be nil when the corresponding subsystem is disabled.
type Deps struct {
	Regions   *region.Registry
	Scheduler TaskLister
	Relay     RelayStats
	Log       zerolog.Logger
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(d Deps) http.Handler {
	return NewServerWithDebug(d, false)
}

func NewServerWithDebug(d Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Use(hlog.NewHandler(d.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("took", dur).
			Msg("http request")
	}))

	s := &Server{r: r, deps: d}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/regions", s.listRegions)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/locks", s.listLocks)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type regionHealth struct {
	Region  string `json:"region"`
	Dialect string `json:"dialect"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// health pings every region; one unreachable region makes the process
// unhealthy.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	var out []regionHealth
	for _, reg := range s.deps.Regions.All() {
		h := regionHealth{Region: reg.Key, Dialect: string(reg.Store.Dialect()), OK: true}
		if err := reg.Store.DB().PingContext(ctx); err != nil {
			h.OK = false
			h.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
		out = append(out, h)
	}
	writeJSON(w, code, map[string]any{"ok": code == http.StatusOK, "regions": out})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString("regioncron_up 1\n")
	fmt.Fprintf(&b, "regioncron_regions %d\n", len(s.deps.Regions.All()))

	if s.deps.Scheduler != nil {
		for _, t := range s.deps.Scheduler.Tasks() {
			running := 0
			if t.State == scheduler.StateRunning {
				running = 1
			}
			fmt.Fprintf(&b, "regioncron_task_running{task=%q} %d\n", t.Name, running)
			outcomes := make([]string, 0, len(t.Counts))
			for o := range t.Counts {
				outcomes = append(outcomes, string(o))
			}
			sort.Strings(outcomes)
			for _, o := range outcomes {
				fmt.Fprintf(&b, "regioncron_task_firings_total{task=%q,outcome=%q} %d\n", t.Name, o, t.Counts[scheduler.Outcome(o)])
			}
		}
	}
	if s.deps.Relay != nil {
		st := s.deps.Relay.Stats()
		fmt.Fprintf(&b, "regioncron_notifications_total{result=\"received\"} %d\n", st.Received)
		fmt.Fprintf(&b, "regioncron_notifications_total{result=\"dispatched\"} %d\n", st.Dispatched)
		fmt.Fprintf(&b, "regioncron_notifications_total{result=\"dropped\"} %d\n", st.Dropped)
		fmt.Fprintf(&b, "regioncron_notifications_total{result=\"failed\"} %d\n", st.Failed)
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

type regionResp struct {
	Key     string `json:"key"`
	Dialect string `json:"dialect"`
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	var out []regionResp
	for _, reg := range s.deps.Regions.All() {
		out = append(out, regionResp{Key: reg.Key, Dialect: string(reg.Store.Dialect())})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.TaskStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Tasks())
}

type lockResp struct {
	Task       string    `json:"task"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Valid      bool      `json:"valid"`
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.deps.Regions.Default().Store.ListLocks(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list locks")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	now := time.Now()
	out := make([]lockResp, 0, len(locks))
	for _, l := range locks {
		out = append(out, toLockResp(l, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func toLockResp(l domain.TaskLock, now time.Time) lockResp {
	return lockResp{
		Task:       l.TaskName,
		Holder:     l.HolderID,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
		Valid:      l.Valid(now),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
