package control

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edrcore/core/internal/authz"
	"github.com/edrcore/core/internal/store"
)

type fakeRuleset struct {
	ids        []string
	reloadErr  error
	reloadedN  int
}

func (f *fakeRuleset) RuleIDs() []string { return f.ids }
func (f *fakeRuleset) Reload() error {
	f.reloadedN++
	return f.reloadErr
}

type fakeQueryStore struct {
	fileEvents  []store.FileEventRow
	count       int64
	registryIDs []int64
	err         error
}

func (f *fakeQueryStore) RecentFileEventsByPID(ctx context.Context, pid uint32, cursor int64, limit int) ([]store.FileEventRow, error) {
	return f.fileEvents, f.err
}
func (f *fakeQueryStore) CountInWindow(ctx context.Context, table string, since, until time.Time) (int64, error) {
	return f.count, f.err
}
func (f *fakeQueryStore) RegistryEventsByKeyPrefix(ctx context.Context, prefix string, limit int) ([]int64, error) {
	return f.registryIDs, f.err
}

func TestPlaneShutdownRunsStepsInOrder(t *testing.T) {
	var order []string
	step := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	p := New(ShutdownHooks{
		StopRing:        step("stop_ring"),
		FlushDispatcher: step("flush_dispatcher"),
		DrainStore:      step("drain_store"),
		CheckpointWAL:   step("checkpoint_wal"),
		ReleaseMapping:  step("release_mapping"),
	}, nil)
	p.MarkRunning()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"stop_ring", "flush_dispatcher", "drain_store", "checkpoint_wal", "release_mapping"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
	if p.Phase() != PhaseStopped {
		t.Fatalf("got phase %v, want Stopped", p.Phase())
	}
}

func TestPlaneShutdownIsIdempotent(t *testing.T) {
	calls := 0
	p := New(ShutdownHooks{StopRing: func(ctx context.Context) error { calls++; return nil }}, nil)
	p.MarkRunning()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d StopRing calls, want 1", calls)
	}
}

func TestPlaneShutdownAggregatesErrors(t *testing.T) {
	boom := errors.New("boom")
	p := New(ShutdownHooks{
		StopRing:   func(ctx context.Context) error { return boom },
		DrainStore: func(ctx context.Context) error { return boom },
	}, nil)
	p.MarkRunning()
	err := p.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want errors.Is match on boom", err)
	}
}

func TestHealthzReportsCounters(t *testing.T) {
	p := New(ShutdownHooks{}, nil)
	p.MarkRunning()
	p.Counters().IncEventsIn()
	p.Counters().IncEventsIn()
	p.Counters().IncDropped()

	router := NewRouter(p, &fakeRuleset{ids: []string{"R1"}}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var body healthzResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Phase != "running" || body.EventsIn != 2 || body.Dropped != 1 {
		t.Fatalf("got %+v, want phase=running events_in=2 dropped=1", body)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	p := New(ShutdownHooks{}, nil)
	p.Counters().IncRuleHits(3)

	router := NewRouter(p, &fakeRuleset{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "edrcore_rule_hits_total 3") {
		t.Fatalf("got body %q, want edrcore_rule_hits_total 3", body)
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Fatalf("got body %q, want HELP/TYPE comments", body)
	}
}

func TestRulesetDumpIsUnauthenticated(t *testing.T) {
	_, pub := genControlKeyPair(t)
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{ids: []string{"R1", "R2"}}, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/ruleset/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
}

func TestRulesetReloadRequiresBearerToken(t *testing.T) {
	priv, pub := genControlKeyPair(t)
	rs := &fakeRuleset{}
	router := NewRouter(New(ShutdownHooks{}, nil), rs, pub, nil)

	reqNoAuth := httptest.NewRequest(http.MethodPost, "/debug/ruleset/reload", nil)
	rrNoAuth := httptest.NewRecorder()
	router.ServeHTTP(rrNoAuth, reqNoAuth)
	if rrNoAuth.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d without token, want 401", rrNoAuth.Code)
	}

	tok, err := authz.IssueToken(priv, "operator-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	reqAuth := httptest.NewRequest(http.MethodPost, "/debug/ruleset/reload", nil)
	reqAuth.Header.Set("Authorization", "Bearer "+tok)
	rrAuth := httptest.NewRecorder()
	router.ServeHTTP(rrAuth, reqAuth)
	if rrAuth.Code != http.StatusNoContent {
		t.Fatalf("got status %d with valid token, want 204", rrAuth.Code)
	}
	if rs.reloadedN != 1 {
		t.Fatalf("got %d Reload calls, want 1", rs.reloadedN)
	}
}

func TestQueryRoutesNotMountedWithoutQueryStore(t *testing.T) {
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/debug/query/count?table=file_event&since=2020-01-01T00:00:00Z&until=2030-01-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 when no QueryStore is wired", rr.Code)
	}
}

func TestQueryRecentFileEventsByPID(t *testing.T) {
	qs := &fakeQueryStore{fileEvents: []store.FileEventRow{{ID: 1, Path: "/tmp/x"}}}
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{}, nil, qs)

	req := httptest.NewRequest(http.MethodGet, "/debug/query/file-events?pid=42", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var rows []store.FileEventRow
	if err := json.Unmarshal(rr.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0].Path != "/tmp/x" {
		t.Fatalf("got %+v, want one row with path /tmp/x", rows)
	}
}

func TestQueryRecentFileEventsByPIDRejectsBadPID(t *testing.T) {
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{}, nil, &fakeQueryStore{})
	req := httptest.NewRequest(http.MethodGet, "/debug/query/file-events?pid=not-a-number", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rr.Code)
	}
}

func TestQueryCountInWindow(t *testing.T) {
	qs := &fakeQueryStore{count: 7}
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{}, nil, qs)

	req := httptest.NewRequest(http.MethodGet, "/debug/query/count?table=file_event&since=2020-01-01T00:00:00Z&until=2030-01-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["count"] != 7 {
		t.Fatalf("got count %d, want 7", body["count"])
	}
}

func TestQueryCountInWindowRejectsBadTimestamps(t *testing.T) {
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{}, nil, &fakeQueryStore{})
	req := httptest.NewRequest(http.MethodGet, "/debug/query/count?table=file_event&since=not-a-time&until=2030-01-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rr.Code)
	}
}

func TestQueryRegistryEventsByKeyPrefix(t *testing.T) {
	qs := &fakeQueryStore{registryIDs: []int64{5, 6}}
	router := NewRouter(New(ShutdownHooks{}, nil), &fakeRuleset{}, nil, qs)

	req := httptest.NewRequest(http.MethodGet, "/debug/query/registry?prefix=HKLM", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	var body map[string][]int64
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body["ids"]) != 2 || body["ids"][0] != 5 {
		t.Fatalf("got %+v, want ids [5 6]", body["ids"])
	}
}

func genControlKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}
