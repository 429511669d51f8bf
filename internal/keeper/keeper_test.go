package keeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"HabitLedger/internal/event"
	"HabitLedger/internal/keeper"
)

type fakeLease struct {
	mu        sync.Mutex
	acquireOK bool
	renewErr  error
	acquires  int
	renews    int
	releases  int
	ticked    chan struct{} // signaled after each acquire/renew attempt
}

func newFakeLease(acquireOK bool) *fakeLease {
	return &fakeLease{acquireOK: acquireOK, ticked: make(chan struct{}, 16)}
}

func (l *fakeLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	ok := l.acquireOK
	l.acquires++
	l.mu.Unlock()
	l.ticked <- struct{}{}
	return ok, nil
}

func (l *fakeLease) Renew(ctx context.Context) error {
	l.mu.Lock()
	err := l.renewErr
	l.renews++
	l.mu.Unlock()
	l.ticked <- struct{}{}
	return err
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.mu.Lock()
	l.releases++
	l.mu.Unlock()
	return nil
}

func (l *fakeLease) counts() (acquires, renews, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.renews, l.releases
}

type fakeSource struct {
	mu      sync.Mutex
	overdue []keeper.OverdueHabit
	scans   int
}

func (s *fakeSource) FindOverdue(ctx context.Context, cutoffUs int64, limit int) ([]keeper.OverdueHabit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	out := make([]keeper.OverdueHabit, len(s.overdue))
	copy(out, s.overdue)
	return out, nil
}

func (s *fakeSource) scanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []event.Event
	ch        chan event.Event
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{ch: make(chan event.Event, 16)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, evt event.Event) (int64, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, evt)
	seq := int64(len(f.submitted))
	f.mu.Unlock()
	f.ch <- evt
	return seq, nil
}

func (f *fakeSubmitter) waitForEvent(t *testing.T) event.Event {
	t.Helper()
	select {
	case evt := <-f.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted event")
		return nil
	}
}

const scanInterval = 30 * time.Second

// startKeeper runs a keeper on a fake clock and returns it with an
// idempotent stop function.
func startKeeper(t *testing.T, source keeper.OverdueSource, submit keeper.CommandSubmitter, lease keeper.Lease) (*clockwork.FakeClock, func()) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	k := keeper.New(source, submit, lease, clock, keeper.Config{ScanInterval: scanInterval}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	// Wait until the keeper's ticker is registered before advancing.
	clock.BlockUntil(1)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("keeper did not stop")
		}
	}
	t.Cleanup(stop)
	return clock, stop
}

func TestKeeperSettlesOverdueHabits(t *testing.T) {
	source := &fakeSource{overdue: []keeper.OverdueHabit{
		{HabitID: 7, LastCheckInUs: 1_700_000_000_000_000},
		{HabitID: 9, LastCheckInUs: 1_700_000_100_000_000},
	}}
	submit := newFakeSubmitter()
	lease := newFakeLease(true)

	clock, _ := startKeeper(t, source, submit, lease)
	clock.Advance(scanInterval)

	first := submit.waitForEvent(t)
	second := submit.waitForEvent(t)

	fs1, ok := first.(*event.ForceSettle)
	if !ok {
		t.Fatalf("expected *event.ForceSettle, got %T", first)
	}
	fs2 := second.(*event.ForceSettle)

	if fs1.HabitID != 7 || fs2.HabitID != 9 {
		t.Errorf("habit ids: got %d, %d, want 7, 9", fs1.HabitID, fs2.HabitID)
	}
	if fs1.CommandID == fs2.CommandID {
		t.Error("distinct habits must get distinct command ids")
	}
}

func TestKeeperCommandIDsAreDeterministic(t *testing.T) {
	// The projection lags the core, so the same habit can show up in two
	// consecutive scans. The command ID is derived from (habit, last
	// check-in), letting the core dedup the second copy.
	source := &fakeSource{overdue: []keeper.OverdueHabit{
		{HabitID: 7, LastCheckInUs: 1_700_000_000_000_000},
	}}
	submit := newFakeSubmitter()
	lease := newFakeLease(true)

	clock, _ := startKeeper(t, source, submit, lease)

	clock.Advance(scanInterval)
	first := submit.waitForEvent(t).(*event.ForceSettle)

	clock.Advance(scanInterval)
	second := submit.waitForEvent(t).(*event.ForceSettle)

	if first.CommandID != second.CommandID {
		t.Errorf("command id changed across scans: %s vs %s", first.CommandID, second.CommandID)
	}
}

func TestKeeperWithoutLeaseDoesNotScan(t *testing.T) {
	source := &fakeSource{overdue: []keeper.OverdueHabit{{HabitID: 7}}}
	submit := newFakeSubmitter()
	lease := newFakeLease(false)

	clock, _ := startKeeper(t, source, submit, lease)
	clock.Advance(scanInterval)

	// The acquire attempt marks the end of the tick.
	select {
	case <-lease.ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lease attempt")
	}

	if got := source.scanCount(); got != 0 {
		t.Errorf("scans without lease: got %d, want 0", got)
	}
	if len(submit.ch) != 0 {
		t.Error("submitted settles without holding the lease")
	}
}

func TestKeeperRenewsWhileLeader(t *testing.T) {
	source := &fakeSource{}
	submit := newFakeSubmitter()
	lease := newFakeLease(true)

	clock, _ := startKeeper(t, source, submit, lease)

	clock.Advance(scanInterval)
	<-lease.ticked // acquire
	clock.Advance(scanInterval)
	<-lease.ticked // renew

	acquires, renews, _ := lease.counts()
	if acquires != 1 {
		t.Errorf("acquires: got %d, want 1", acquires)
	}
	if renews != 1 {
		t.Errorf("renews: got %d, want 1", renews)
	}
}

func TestKeeperStandsDownWhenLeaseLost(t *testing.T) {
	source := &fakeSource{overdue: []keeper.OverdueHabit{{HabitID: 7}}}
	submit := newFakeSubmitter()
	lease := newFakeLease(true)

	clock, _ := startKeeper(t, source, submit, lease)

	clock.Advance(scanInterval)
	<-lease.ticked // acquire succeeded
	submit.waitForEvent(t)
	scansAsLeader := source.scanCount()

	// Another instance takes the lease.
	lease.mu.Lock()
	lease.renewErr = keeper.ErrNotLeader
	lease.acquireOK = false
	lease.mu.Unlock()

	clock.Advance(scanInterval)
	<-lease.ticked // renew failed
	<-lease.ticked // re-acquire failed

	if got := source.scanCount(); got != scansAsLeader {
		t.Errorf("scans after losing lease: got %d, want %d", got, scansAsLeader)
	}
}

func TestKeeperReleasesLeaseOnShutdown(t *testing.T) {
	source := &fakeSource{}
	submit := newFakeSubmitter()
	lease := newFakeLease(true)

	clock, stop := startKeeper(t, source, submit, lease)

	clock.Advance(scanInterval)
	<-lease.ticked // now leader

	stop()

	_, _, releases := lease.counts()
	if releases != 1 {
		t.Errorf("releases: got %d, want 1", releases)
	}
}
