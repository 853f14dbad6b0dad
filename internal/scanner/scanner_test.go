package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edrcore/core/internal/event"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	hits    map[string][]RuleHit
	delay   time.Duration
}

func (f *fakeEngine) Scan(path string) ([]RuleHit, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.hits[path], nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (s *fakeSink) Emit(env event.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func touchFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestOrchestratorEmitsScanResultPerRuleHit(t *testing.T) {
	path := touchFile(t, "a.bin")
	engine := &fakeEngine{hits: map[string][]RuleHit{path: {{RuleID: "R1", Matches: []string{"A1"}, Severity: event.SeverityHigh}}}}
	sink := &fakeSink{}
	o := New(engine, sink, 16, WithWorkers(2))
	o.Start(context.Background())
	defer o.Stop(time.Second)

	if !o.Submit(Job{Path: path, OriginEventID: 5}) {
		t.Fatal("Submit returned false")
	}

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for scan result")
		case <-time.After(time.Millisecond):
		}
	}
	if sink.count() != 1 {
		t.Fatalf("got %d results, want 1", sink.count())
	}
	sr := sink.envs[0].Payload.(event.ScanResult)
	if sr.RuleID != "R1" || sr.OriginEventID != 5 {
		t.Fatalf("got %+v, want RuleID=R1 OriginEventID=5", sr)
	}
}

func TestOrchestratorCoalescesRepeatedScansOfSamePath(t *testing.T) {
	path := touchFile(t, "a.bin")
	engine := &fakeEngine{hits: map[string][]RuleHit{}}
	sink := &fakeSink{}
	o := New(engine, sink, 16, WithWorkers(1), WithCoalesceTTL(time.Minute))
	o.Start(context.Background())
	defer o.Stop(time.Second)

	for i := 0; i < 5; i++ {
		o.Submit(Job{Path: path})
	}
	// Give the single worker time to drain the queue.
	time.Sleep(100 * time.Millisecond)

	if engine.callCount() != 1 {
		t.Fatalf("got %d engine.Scan calls, want 1 (coalesced)", engine.callCount())
	}
}

func TestSubmitReturnsFalseWhenQueueFull(t *testing.T) {
	engine := &fakeEngine{delay: time.Second, hits: map[string][]RuleHit{}}
	sink := &fakeSink{}
	o := New(engine, sink, 1, WithWorkers(1))
	o.Start(context.Background())
	defer o.Stop(100 * time.Millisecond)

	path := touchFile(t, "a.bin")
	// First submit is picked up by the worker almost immediately and blocks
	// on the slow scan; the second fills the depth-1 queue; the third must
	// observe backpressure.
	o.Submit(Job{Path: path})
	time.Sleep(20 * time.Millisecond)
	o.Submit(Job{Path: path})
	if o.Submit(Job{Path: path}) {
		t.Fatal("expected Submit to return false once queue is full")
	}
}

func TestStopDrainsWithinTimeout(t *testing.T) {
	engine := &fakeEngine{hits: map[string][]RuleHit{}}
	sink := &fakeSink{}
	o := New(engine, sink, 4, WithWorkers(2))
	o.Start(context.Background())

	path := touchFile(t, "a.bin")
	o.Submit(Job{Path: path})

	start := time.Now()
	o.Stop(2 * time.Second)
	if time.Since(start) > 2*time.Second {
		t.Fatal("Stop took longer than its timeout")
	}
}
