package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edrcore/core/internal/event"
)

type fakeStore struct {
	mu       sync.Mutex
	accepted []event.Envelope
	reject   bool
}

func (f *fakeStore) TryInsert(env event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errBackpressureStub{}
	}
	f.accepted = append(f.accepted, env)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

type errBackpressureStub struct{}

func (errBackpressureStub) Error() string { return "backpressure" }

type fakeScanQueue struct {
	mu      sync.Mutex
	jobs    []ScanJob
	accept  bool
}

func (f *fakeScanQueue) Submit(j ScanJob) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.jobs = append(f.jobs, j)
	return true
}

func (f *fakeScanQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeCounters struct {
	mu               sync.Mutex
	in, out, dropped int
}

func (c *fakeCounters) IncEventsIn()  { c.mu.Lock(); c.in++; c.mu.Unlock() }
func (c *fakeCounters) IncEventsOut() { c.mu.Lock(); c.out++; c.mu.Unlock() }
func (c *fakeCounters) IncDropped()   { c.mu.Lock(); c.dropped++; c.mu.Unlock() }

func runAndDrain(t *testing.T, d *Dispatcher, in chan event.Envelope, envs []event.Envelope) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, in)
	for _, e := range envs {
		in <- e
	}
	close(in)
	d.Drain(2 * time.Second)
}

func TestDispatchStoresEveryEnvelope(t *testing.T) {
	store := &fakeStore{}
	d := New(store, nil)
	in := make(chan event.Envelope)

	envs := []event.Envelope{
		{TS: 1, SensorGUID: "s1", Payload: event.ProcessEvent{PID: 1}},
		{TS: 2, SensorGUID: "s1", Payload: event.NetworkEvent{PID: 2}},
	}
	runAndDrain(t, d, in, envs)

	if store.count() != 2 {
		t.Fatalf("got %d accepted, want 2", store.count())
	}
}

func TestDispatchCountsStoreBackpressureAsDrop(t *testing.T) {
	store := &fakeStore{reject: true}
	counters := &fakeCounters{}
	d := New(store, nil, WithCounters(counters))
	in := make(chan event.Envelope)

	runAndDrain(t, d, in, []event.Envelope{{TS: 1, SensorGUID: "s", Payload: event.ProcessEvent{PID: 1}}})

	if counters.dropped != 1 {
		t.Fatalf("dropped=%d, want 1", counters.dropped)
	}
	if counters.out != 0 {
		t.Fatalf("out=%d, want 0", counters.out)
	}
}

func TestDispatchQueuesEligibleFileEventForScan(t *testing.T) {
	store := &fakeStore{}
	scan := &fakeScanQueue{accept: true}
	d := New(store, scan)
	in := make(chan event.Envelope)

	env := event.Envelope{
		TS: 1, SensorGUID: "s",
		Payload: event.FileEvent{Op: event.FileOpWrite, Path: "/tmp/x", Size: 10, Success: true},
	}
	runAndDrain(t, d, in, []event.Envelope{env})

	if scan.count() != 1 {
		t.Fatalf("got %d scan jobs, want 1", scan.count())
	}
	if scan.jobs[0].Path != "/tmp/x" {
		t.Fatalf("got path %q, want /tmp/x", scan.jobs[0].Path)
	}
}

func TestDispatchSkipsScanForUnsuccessfulOrOversizeOrDeleteEvents(t *testing.T) {
	store := &fakeStore{}
	scan := &fakeScanQueue{accept: true}
	d := New(store, scan, WithScanMaxSize(100))
	in := make(chan event.Envelope)

	envs := []event.Envelope{
		{TS: 1, SensorGUID: "s", Payload: event.FileEvent{Op: event.FileOpWrite, Path: "/a", Size: 10, Success: false}},
		{TS: 2, SensorGUID: "s", Payload: event.FileEvent{Op: event.FileOpWrite, Path: "/b", Size: 1000, Success: true}},
		{TS: 3, SensorGUID: "s", Payload: event.FileEvent{Op: event.FileOpDelete, Path: "/c", Size: 10, Success: true}},
	}
	runAndDrain(t, d, in, envs)

	if scan.count() != 0 {
		t.Fatalf("got %d scan jobs, want 0", scan.count())
	}
}

func TestDispatchUsesNewPathForRename(t *testing.T) {
	store := &fakeStore{}
	scan := &fakeScanQueue{accept: true}
	d := New(store, scan)
	in := make(chan event.Envelope)

	env := event.Envelope{
		TS: 1, SensorGUID: "s",
		Payload: event.FileEvent{Op: event.FileOpRename, Path: "/old", NewPath: "/new", Size: 1, Success: true},
	}
	runAndDrain(t, d, in, []event.Envelope{env})

	if scan.count() != 1 || scan.jobs[0].Path != "/new" {
		t.Fatalf("got jobs %+v, want one job for /new", scan.jobs)
	}
}

func TestDispatchDropsWhenScanQueueFull(t *testing.T) {
	store := &fakeStore{}
	scan := &fakeScanQueue{accept: false}
	counters := &fakeCounters{}
	d := New(store, scan, WithCounters(counters))
	in := make(chan event.Envelope)

	env := event.Envelope{
		TS: 1, SensorGUID: "s",
		Payload: event.FileEvent{Op: event.FileOpCreate, Path: "/a", Size: 1, Success: true},
	}
	runAndDrain(t, d, in, []event.Envelope{env})

	if counters.dropped != 1 {
		t.Fatalf("dropped=%d, want 1", counters.dropped)
	}
}

func TestDispatchSampledMetricsTap(t *testing.T) {
	store := &fakeStore{}
	var tapped []event.Envelope
	var mu sync.Mutex
	d := New(store, nil, WithMetricsSampleRate(2, func(env event.Envelope) {
		mu.Lock()
		tapped = append(tapped, env)
		mu.Unlock()
	}))
	in := make(chan event.Envelope)

	envs := make([]event.Envelope, 4)
	for i := range envs {
		envs[i] = event.Envelope{TS: int64(i), SensorGUID: "s", Payload: event.ProcessEvent{PID: uint32(i)}}
	}
	runAndDrain(t, d, in, envs)

	mu.Lock()
	defer mu.Unlock()
	if len(tapped) != 2 {
		t.Fatalf("got %d tapped events, want 2 (every 2nd of 4)", len(tapped))
	}
}

func TestDispatchStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	d := New(store, nil)
	in := make(chan event.Envelope)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, in)
	cancel()
	d.Drain(2 * time.Second)
}
