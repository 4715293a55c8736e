package syncd

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

type fakeRunner struct {
	mu        sync.Mutex
	release   chan struct{}
	status    Status
	fullRuns  int32
	ruleRuns  int32
	intervals []uint64
	backoff   uint64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), status: StatusOK}
}

func (f *fakeRunner) Run(_ context.Context, s *Session) Status {
	<-f.release
	atomic.AddInt32(&f.fullRuns, 1)
	f.mu.Lock()
	s.FullSyncInterval = popInterval(&f.intervals)
	s.BackoffInterval = f.backoff
	st := f.status
	f.mu.Unlock()
	return st
}

func (f *fakeRunner) RunRuleSync(_ context.Context, _ *Session) Status {
	<-f.release
	atomic.AddInt32(&f.ruleRuns, 1)
	f.mu.Lock()
	st := f.status
	f.mu.Unlock()
	return st
}

func popInterval(intervals *[]uint64) uint64 {
	if len(*intervals) == 0 {
		return 0
	}
	v := (*intervals)[0]
	*intervals = (*intervals)[1:]
	return v
}

type fakePushStatus struct {
	connected bool
	interval  uint64
}

func (f *fakePushStatus) IsConnected() bool        { return f.connected }
func (f *fakePushStatus) FullSyncInterval() uint64 { return f.interval }

func newSessionFactory() func() *Session {
	codec, _ := syncproto.NewCodec(syncproto.V2)
	return func() *Session {
		return &Session{MachineID: "machine-1", Codec: codec}
	}
}

func testOrchestrator(t *testing.T, fr *fakeRunner, ps PushStatus) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(fr, newSessionFactory(), ps, "https://127.0.0.1:1")
	require.NoError(t, err)
	o.Start()
	t.Cleanup(o.Stop)
	return o
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAdmission_ThirdConcurrentSyncRejected(t *testing.T) {
	fr := newFakeRunner()
	o := testOrchestrator(t, fr, nil)

	err1 := o.SyncNow()
	err2 := o.SyncNow()
	err3 := o.SyncNow()

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.ErrorIs(t, err3, ErrTooManySyncs)

	close(fr.release)
	waitFor(t, func() bool { return atomic.LoadInt32(&fr.fullRuns) == 2 },
		"admitted syncs never completed")

	// Permits are back; a new request is admitted again.
	assert.NoError(t, o.SyncNow())
}

func TestRuleSync_RunsRuleOnlyPipeline(t *testing.T) {
	fr := newFakeRunner()
	close(fr.release)
	o := testOrchestrator(t, fr, nil)

	require.NoError(t, o.RuleSyncNow())
	waitFor(t, func() bool { return atomic.LoadInt32(&fr.ruleRuns) == 1 },
		"rule sync never ran")
	assert.Zero(t, atomic.LoadInt32(&fr.fullRuns))
}

func TestRunJob_ReschedulesWithNegotiatedInterval(t *testing.T) {
	fr := newFakeRunner()
	fr.intervals = []uint64{90}
	close(fr.release)
	o := testOrchestrator(t, fr, nil)

	require.NoError(t, o.SyncNow())
	waitFor(t, func() bool { return atomic.LoadInt32(&fr.fullRuns) == 1 },
		"sync never ran")
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.lastArmed == 90
	}, "full sync timer not re-armed with negotiated interval")
}

func TestRunJob_ServerBackoffDefersNextSync(t *testing.T) {
	fr := newFakeRunner()
	fr.intervals = []uint64{90}
	fr.backoff = 3600
	close(fr.release)
	o := testOrchestrator(t, fr, nil)

	require.NoError(t, o.SyncNow())
	waitFor(t, func() bool { return atomic.LoadInt32(&fr.fullRuns) == 1 },
		"sync never ran")
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.lastArmed == 3600
	}, "full sync timer not deferred to server backoff")
}

func TestRunJob_PreflightFailureUsesShorterPushInterval(t *testing.T) {
	fr := newFakeRunner()
	fr.status = StatusPreflightFailed
	close(fr.release)
	// Disconnected push channel still advertises its last known interval.
	o := testOrchestrator(t, fr, &fakePushStatus{connected: false, interval: 120})

	require.NoError(t, o.SyncNow())
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.lastArmed == 120
	}, "retry not armed with min(push, default) interval")
}

func TestRunJob_PreflightFailureArmsReachability(t *testing.T) {
	fr := newFakeRunner()
	fr.status = StatusPreflightFailed
	close(fr.release)
	o := testOrchestrator(t, fr, nil)

	require.NoError(t, o.SyncNow())
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.reach != nil
	}, "reachability monitor not armed")

	// A second failure does not stack a second monitor.
	require.NoError(t, o.SyncNow())
	waitFor(t, func() bool { return atomic.LoadInt32(&fr.fullRuns) == 2 },
		"second sync never ran")
	o.mu.Lock()
	reach := o.reach
	o.mu.Unlock()
	require.NotNil(t, reach)
}

func TestCurrentInterval_PrefersConnectedPush(t *testing.T) {
	fr := newFakeRunner()
	o, err := NewOrchestrator(fr, newSessionFactory(), &fakePushStatus{connected: true, interval: 14400}, "https://sync.example.com")
	require.NoError(t, err)
	assert.Equal(t, uint64(14400), o.currentInterval())

	o2, err := NewOrchestrator(fr, newSessionFactory(), &fakePushStatus{connected: false, interval: 14400}, "https://sync.example.com")
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultFullSyncIntervalSec), o2.currentInterval())
}

func TestNewOrchestrator_BadBaseURL(t *testing.T) {
	_, err := NewOrchestrator(newFakeRunner(), newSessionFactory(), nil, "not a url at all\x00")
	require.Error(t, err)
}

func TestReachabilityMonitor_FiresOnceThenDisarms(t *testing.T) {
	var probes int32
	fired := make(chan struct{}, 4)

	m := newReachabilityMonitor("203.0.113.1:443", func() { fired <- struct{}{} })
	m.interval = 5 * time.Millisecond
	m.dial = func(_, _ string, _ time.Duration) (net.Conn, error) {
		if atomic.AddInt32(&probes, 1) < 3 {
			return nil, errors.New("unreachable")
		}
		c, s := net.Pipe()
		s.Close()
		return c, nil
	}
	m.start()
	defer m.halt()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never fired")
	}

	// Once fired, the loop exits; no further callbacks arrive.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("monitor fired more than once")
	default:
	}
}

func TestProbeAddr(t *testing.T) {
	addr, err := probeAddr("https://sync.example.com")
	require.NoError(t, err)
	assert.Equal(t, "sync.example.com:443", addr)

	addr, err = probeAddr("http://sync.example.com:8080")
	require.NoError(t, err)
	assert.Equal(t, "sync.example.com:8080", addr)

	_, err = probeAddr("https://")
	require.Error(t, err)
}
