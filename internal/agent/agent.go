// Package agent assembles the sync service from its parts: codec, stage
// transport, push channel, dispatcher and orchestrator.
package agent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/northpolesec/santa-sub002/internal/command"
	"github.com/northpolesec/santa-sub002/internal/config"
	"github.com/northpolesec/santa-sub002/internal/peers"
	"github.com/northpolesec/santa-sub002/internal/push"
	"github.com/northpolesec/santa-sub002/internal/syncclient"
	"github.com/northpolesec/santa-sub002/internal/syncd"
	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

// Peers bundles the privileged collaborators the service talks to. Rules,
// Events and Results must be set; the rest may be nil when the matching
// capability is absent.
type Peers struct {
	Rules    peers.RuleStore
	Events   peers.EventStore
	Killer   peers.ProcessKiller
	Bundles  peers.BundleService
	Settings peers.SettingsNotifier
	Results  peers.SyncResultSink
}

// DevelopmentPeers returns in-memory collaborators for running without a
// privileged daemon attached.
func DevelopmentPeers() Peers {
	return Peers{
		Rules:   peers.NewMemoryRuleStore(),
		Events:  peers.NewMemoryEventStore(),
		Results: peers.NewLogResultSink(),
	}
}

// delegateProxy breaks the construction cycle between the push channel and
// the orchestrator: the channel gets the proxy up front, the orchestrator is
// bound once it exists.
type delegateProxy struct {
	mu sync.RWMutex
	d  push.SyncDelegate
}

func (p *delegateProxy) bind(d push.SyncDelegate) {
	p.mu.Lock()
	p.d = d
	p.mu.Unlock()
}

func (p *delegateProxy) get() push.SyncDelegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.d
}

func (p *delegateProxy) Sync() {
	if d := p.get(); d != nil {
		d.Sync()
	}
}

func (p *delegateProxy) SyncSecondsFromNow(seconds uint64) {
	if d := p.get(); d != nil {
		d.SyncSecondsFromNow(seconds)
	}
}

func (p *delegateProxy) RuleSync() {
	if d := p.get(); d != nil {
		d.RuleSync()
	}
}

func (p *delegateProxy) RuleSyncSecondsFromNow(seconds uint64) {
	if d := p.get(); d != nil {
		d.RuleSyncSecondsFromNow(seconds)
	}
}

// Agent is the running sync service.
type Agent struct {
	cfg        *config.Config
	pushClient *push.Client
	orch       *syncd.Orchestrator
	runner     *syncd.StageRunner
	newSession func() *syncd.Session
}

// New wires the service together from configuration and peers.
func New(cfg *config.Config, ps Peers) (*Agent, error) {
	if ps.Rules == nil || ps.Events == nil {
		return nil, fmt.Errorf("rule store and event store peers are required")
	}

	codec, err := syncproto.NewCodec(syncproto.Version(cfg.Sync.ProtocolVersion))
	if err != nil {
		return nil, err
	}

	transport, err := syncclient.New(cfg.Sync.BaseURL, cfg.Sync.MachineID, syncclient.Options{
		Proxy:          cfg.Sync.Proxy,
		ClientCertFile: cfg.Sync.ClientCertFile,
		ClientKeyFile:  cfg.Sync.ClientKeyFile,
		ServerCAFile:   cfg.Sync.ServerCAFile,
	})
	if err != nil {
		return nil, err
	}

	proxy := &delegateProxy{}
	var pushClient *push.Client
	if cfg.Push.Enabled {
		dispatcher := command.NewDispatcher(ps.Killer, ps.Bundles)
		pushClient = push.NewClient(proxy, dispatcher, cfg.Push.AllowAnyServer)
	}

	deps := syncd.Deps{
		Transport: transport,
		Rules:     ps.Rules,
		Events:    ps.Events,
		Bundles:   ps.Bundles,
		Settings:  ps.Settings,
		Results:   ps.Results,
	}
	if pushClient != nil {
		deps.Push = pushClient
	}
	runner := syncd.NewStageRunner(deps)

	newSession := func() *syncd.Session {
		hostname, _ := os.Hostname()
		return &syncd.Session{
			MachineID:    cfg.Sync.MachineID,
			SerialNumber: cfg.Sync.SerialNumber,
			Hostname:     hostname,
			OSVersion:    osVersion(),
			PrimaryUser:  cfg.Sync.MachineOwner,
			SantaVersion: buildVersion(),
			BatchSize:    cfg.Sync.EventBatchSize,
			Codec:        codec,
		}
	}

	var status syncd.PushStatus
	if pushClient != nil {
		status = pushClient
	}
	orch, err := syncd.NewOrchestrator(runner, newSession, status, cfg.Sync.BaseURL)
	if err != nil {
		return nil, err
	}
	proxy.bind(orch)

	return &Agent{
		cfg:        cfg,
		pushClient: pushClient,
		orch:       orch,
		runner:     runner,
		newSession: newSession,
	}, nil
}

// Start launches the sync scheduler. The push channel connects itself once
// the first successful preflight hands over credentials.
func (a *Agent) Start() {
	logrus.WithFields(logrus.Fields{
		"server":    a.cfg.Sync.BaseURL,
		"machineID": a.cfg.Sync.MachineID,
		"push":      a.pushClient != nil,
	}).Infoln("Sync service starting")
	a.orch.Start()
}

// Stop shuts down the push channel and the scheduler. In-flight syncs
// finish.
func (a *Agent) Stop() {
	if a.pushClient != nil {
		a.pushClient.Stop()
	}
	a.orch.Stop()
	logrus.Infoln("Sync service stopped")
}

// SyncNow requests an immediate full sync.
func (a *Agent) SyncNow() error {
	return a.orch.SyncNow()
}

// RunOnce executes a single full sync synchronously, outside the scheduler.
// Used by the one-shot CLI command.
func (a *Agent) RunOnce(ctx context.Context) syncd.Status {
	return a.runner.Run(ctx, a.newSession())
}

// Version reports the module build version.
func Version() string {
	return buildVersion()
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

const osReleasePath = "/proc/sys/kernel/osrelease"

// osVersion reports the running kernel release for preflight metadata, or
// empty when the host does not expose one.
func osVersion() string {
	return osVersionFrom(osReleasePath)
}

func osVersionFrom(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
