package syncd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	// permitPoolSize bounds concurrent sync requests: one running plus one
	// queued. Anything beyond that is rejected, not queued.
	permitPoolSize = 2

	defaultFullSyncIntervalSec = 600
	startupSyncDelaySec        = 15

	// ruleSyncRetrySec re-arms a rule-only sync that lost admission.
	ruleSyncRetrySec = 60

	tagFullSync = "full-sync"
	tagRuleSync = "rule-sync"
)

// ErrTooManySyncs is returned when the permit pool is exhausted.
var ErrTooManySyncs = errors.New("too many syncs in progress")

// PushStatus is the slice of the push channel the orchestrator reads for
// interval selection.
type PushStatus interface {
	IsConnected() bool
	FullSyncInterval() uint64
}

// pipelineRunner is what the orchestrator invokes per admitted sync.
// Satisfied by *StageRunner.
type pipelineRunner interface {
	Run(ctx context.Context, s *Session) Status
	RunRuleSync(ctx context.Context, s *Session) Status
}

type syncJob struct {
	ruleOnly bool
}

// Orchestrator owns sync scheduling: the permit pool, the full-sync and
// rule-sync timers, push-triggered syncs, and reachability retry. All
// admitted syncs execute on one worker goroutine, so no two runs ever
// overlap. It implements push.SyncDelegate.
type Orchestrator struct {
	runner     pipelineRunner
	newSession func() *Session
	pushc      PushStatus
	probeTgt   string

	sem  *semaphore.Weighted
	jobs chan syncJob

	sched *gocron.Scheduler

	mu        sync.Mutex
	interval  uint64
	lastArmed uint64
	reach     *reachabilityMonitor

	done     chan struct{}
	stopOnce sync.Once
}

// NewOrchestrator builds the scheduler. pushc may be nil when push
// notifications are disabled; baseURL seeds the reachability probe target.
func NewOrchestrator(runner pipelineRunner, newSession func() *Session, pushc PushStatus, baseURL string) (*Orchestrator, error) {
	addr, err := probeAddr(baseURL)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		runner:     runner,
		newSession: newSession,
		pushc:      pushc,
		probeTgt:   addr,
		sem:        semaphore.NewWeighted(permitPoolSize),
		jobs:       make(chan syncJob, permitPoolSize),
		sched:      gocron.NewScheduler(time.UTC),
		interval:   defaultFullSyncIntervalSec,
		done:       make(chan struct{}),
	}, nil
}

// Start launches the pipeline worker and arms the first full sync shortly
// after startup.
func (o *Orchestrator) Start() {
	go o.worker()
	o.sched.StartAsync()
	o.scheduleFullSync(startupSyncDelaySec)
}

// Stop tears down the timers and the worker. In-flight syncs finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.sched.Stop()
		o.mu.Lock()
		if o.reach != nil {
			o.reach.halt()
			o.reach = nil
		}
		o.mu.Unlock()
		close(o.done)
	})
}

// SyncNow requests an immediate full sync. Returns ErrTooManySyncs when the
// permit pool is exhausted.
func (o *Orchestrator) SyncNow() error {
	return o.request(syncJob{})
}

// RuleSyncNow requests an immediate rule-only sync.
func (o *Orchestrator) RuleSyncNow() error {
	return o.request(syncJob{ruleOnly: true})
}

// Sync implements push.SyncDelegate.
func (o *Orchestrator) Sync() {
	if err := o.SyncNow(); err != nil {
		logrus.WithError(err).Debugln("Dropping push-triggered sync")
	}
}

// SyncSecondsFromNow implements push.SyncDelegate.
func (o *Orchestrator) SyncSecondsFromNow(seconds uint64) {
	o.scheduleFullSync(seconds)
}

// RuleSync implements push.SyncDelegate.
func (o *Orchestrator) RuleSync() {
	if err := o.RuleSyncNow(); err != nil {
		logrus.WithError(err).Debugln("Re-arming rejected rule sync")
		o.scheduleRuleSync(ruleSyncRetrySec)
	}
}

// RuleSyncSecondsFromNow implements push.SyncDelegate.
func (o *Orchestrator) RuleSyncSecondsFromNow(seconds uint64) {
	o.scheduleRuleSync(seconds)
}

func (o *Orchestrator) request(job syncJob) error {
	if !o.sem.TryAcquire(1) {
		return ErrTooManySyncs
	}
	select {
	case o.jobs <- job:
		return nil
	default:
		o.sem.Release(1)
		return ErrTooManySyncs
	}
}

func (o *Orchestrator) worker() {
	for {
		select {
		case <-o.done:
			return
		case job := <-o.jobs:
			o.runJob(job)
			o.sem.Release(1)
		}
	}
}

func (o *Orchestrator) runJob(job syncJob) {
	sess := o.newSession()
	ctx := context.Background()

	var st Status
	if job.ruleOnly {
		st = o.runner.RunRuleSync(ctx, sess)
	} else {
		st = o.runner.Run(ctx, sess)
	}
	logrus.WithFields(logrus.Fields{
		"ruleOnly": job.ruleOnly,
		"status":   st.String(),
	}).Infoln("Sync finished")

	if sess.FullSyncInterval > 0 {
		o.mu.Lock()
		o.interval = sess.FullSyncInterval
		o.mu.Unlock()
	}

	if job.ruleOnly {
		// The rule timer stays disarmed until something reschedules it.
		return
	}

	next := o.currentInterval()
	if st == StatusPreflightFailed {
		// The server may have moved to a shorter push-advertised cadence we
		// have not heard yet, so retry on the smaller of the two.
		if o.pushc != nil {
			if pi := o.pushc.FullSyncInterval(); pi > 0 && pi < next {
				next = pi
			}
		}
		o.armReachability()
	}
	if sess.BackoffInterval > next {
		// The server asked us to slow down.
		logrus.WithField("backoff_seconds", sess.BackoffInterval).Infoln("Deferring next sync per server backoff")
		next = sess.BackoffInterval
	}
	o.scheduleFullSync(next)
}

// currentInterval prefers the push-advertised full-sync interval while the
// channel is connected, then the last preflight-negotiated interval.
func (o *Orchestrator) currentInterval() uint64 {
	if o.pushc != nil && o.pushc.IsConnected() {
		if pi := o.pushc.FullSyncInterval(); pi > 0 {
			return pi
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// scheduleFullSync arms the single full-sync timer to fire once in the given
// number of seconds, cancelling any previously armed timer.
func (o *Orchestrator) scheduleFullSync(seconds uint64) {
	if seconds == 0 {
		seconds = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastArmed = seconds
	o.sched.RemoveByTag(tagFullSync)
	_, err := o.sched.Every(int(seconds)).Seconds().
		LimitRunsTo(1).Tag(tagFullSync).
		WaitForSchedule().
		Do(o.fullSyncTimerFired)
	if err != nil {
		logrus.WithError(err).Errorln("Failed to arm full sync timer")
		return
	}
	logrus.WithField("seconds", seconds).Debugln("Full sync armed")
}

func (o *Orchestrator) scheduleRuleSync(seconds uint64) {
	if seconds == 0 {
		seconds = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sched.RemoveByTag(tagRuleSync)
	_, err := o.sched.Every(int(seconds)).Seconds().
		LimitRunsTo(1).Tag(tagRuleSync).
		WaitForSchedule().
		Do(o.ruleSyncTimerFired)
	if err != nil {
		logrus.WithError(err).Errorln("Failed to arm rule sync timer")
		return
	}
	logrus.WithField("seconds", seconds).Debugln("Rule sync armed")
}

func (o *Orchestrator) fullSyncTimerFired() {
	if err := o.SyncNow(); err != nil {
		// The one-shot timer is spent; re-arm so a busy pipeline does not
		// stall the periodic cadence.
		logrus.WithError(err).Debugln("Timer-triggered sync rejected")
		o.scheduleFullSync(o.currentInterval())
	}
}

func (o *Orchestrator) ruleSyncTimerFired() {
	if err := o.RuleSyncNow(); err != nil {
		logrus.WithError(err).Debugln("Timer-triggered rule sync rejected")
		o.scheduleRuleSync(ruleSyncRetrySec)
	}
}

// armReachability starts the probe monitor unless one is already running.
// When the server answers again, the monitor fires one sync and disarms.
func (o *Orchestrator) armReachability() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reach != nil {
		return
	}
	m := newReachabilityMonitor(o.probeTgt, func() {
		o.mu.Lock()
		o.reach = nil
		o.mu.Unlock()
		o.Sync()
	})
	o.reach = m
	m.start()
}
