package control

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edrcore/core/internal/authz"
	"github.com/edrcore/core/internal/store"
)

// RulesetInspector exposes read/reload access to the active rule generation
// without this package importing internal/rules directly.
type RulesetInspector interface {
	RuleIDs() []string
	Reload() error
}

// QueryStore exposes the event store's read-path access patterns (§Module
// D) to the /debug/query routes.
type QueryStore interface {
	RecentFileEventsByPID(ctx context.Context, pid uint32, cursor int64, limit int) ([]store.FileEventRow, error)
	CountInWindow(ctx context.Context, table string, since, until time.Time) (int64, error)
	RegistryEventsByKeyPrefix(ctx context.Context, prefix string, limit int) ([]int64, error)
}

// healthzResponse is the /healthz JSON body.
type healthzResponse struct {
	Phase          string `json:"phase"`
	EventsIn       int64  `json:"events_in"`
	EventsOut      int64  `json:"events_out"`
	Dropped        int64  `json:"dropped"`
	Poisoned       int64  `json:"poisoned"`
	Resync         int64  `json:"resync"`
	ScansCompleted int64  `json:"scans_completed"`
	RuleHits       int64  `json:"rule_hits"`
}

// NewRouter builds the control plane's local HTTP surface. pubKey gates
// /debug/ruleset/reload with an RS256 Bearer token; pass nil to disable
// that gate (e.g. in tests exercising only the unauthenticated routes).
// qs may be nil, in which case the /debug/query routes are not mounted.
func NewRouter(p *Plane, ruleset RulesetInspector, pubKey *rsa.PublicKey, qs QueryStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", p.handleHealthz)
	r.Get("/metrics", p.metricsHandler().ServeHTTP)

	r.Route("/debug/ruleset", func(r chi.Router) {
		r.Get("/", handleRulesetDump(ruleset))
		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(authz.RequireBearer(pubKey))
			}
			r.Post("/reload", handleRulesetReload(ruleset))
		})
	})

	if qs != nil {
		r.Route("/debug/query", func(r chi.Router) {
			r.Get("/file-events", handleRecentFileEventsByPID(qs))
			r.Get("/count", handleCountInWindow(qs))
			r.Get("/registry", handleRegistryEventsByKeyPrefix(qs))
		})
	}

	return r
}

func (p *Plane) handleHealthz(w http.ResponseWriter, r *http.Request) {
	c := p.counters
	resp := healthzResponse{
		Phase:          p.Phase().String(),
		EventsIn:       c.EventsIn.Load(),
		EventsOut:      c.EventsOut.Load(),
		Dropped:        c.Dropped.Load(),
		Poisoned:       c.Poisoned.Load(),
		Resync:         c.Resync.Load(),
		ScansCompleted: c.ScansCompleted.Load(),
		RuleHits:       c.RuleHits.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func handleRulesetDump(ruleset RulesetInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]string{"rule_ids": ruleset.RuleIDs()})
	}
}

func handleRulesetReload(ruleset RulesetInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := ruleset.Reload(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleRecentFileEventsByPID exposes RecentFileEventsByPID: GET
// /debug/query/file-events?pid=&cursor=&limit=. cursor and limit default
// to 0 and 100.
func handleRecentFileEventsByPID(qs QueryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, err := strconv.ParseUint(r.URL.Query().Get("pid"), 10, 32)
		if err != nil {
			writeQueryError(w, http.StatusBadRequest, "pid must be a valid uint32")
			return
		}
		cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		rows, err := qs.RecentFileEventsByPID(r.Context(), uint32(pid), cursor, limit)
		if err != nil {
			writeQueryError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}
}

// handleCountInWindow exposes CountInWindow: GET
// /debug/query/count?table=&since=&until=, since/until as RFC3339.
func handleCountInWindow(qs QueryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := r.URL.Query().Get("table")
		since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			writeQueryError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		until, err := time.Parse(time.RFC3339, r.URL.Query().Get("until"))
		if err != nil {
			writeQueryError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}

		n, err := qs.CountInWindow(r.Context(), table, since, until)
		if err != nil {
			writeQueryError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"count": n})
	}
}

// handleRegistryEventsByKeyPrefix exposes RegistryEventsByKeyPrefix: GET
// /debug/query/registry?prefix=&limit=. limit defaults to 100.
func handleRegistryEventsByKeyPrefix(qs QueryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		ids, err := qs.RegistryEventsByKeyPrefix(r.Context(), prefix, limit)
		if err != nil {
			writeQueryError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]int64{"ids": ids})
	}
}

func writeQueryError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
