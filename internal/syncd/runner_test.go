package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northpolesec/santa-sub002/internal/peers"
	"github.com/northpolesec/santa-sub002/internal/push"
	"github.com/northpolesec/santa-sub002/internal/syncclient"
	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

type fakeTransport struct {
	responses map[string][][]byte
	fail      map[string]error
	calls     map[string]int
	requests  map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string][][]byte),
		fail:      make(map[string]error),
		calls:     make(map[string]int),
		requests:  make(map[string][][]byte),
	}
}

func (t *fakeTransport) PostStage(_ context.Context, stage string, body []byte, _ *syncclient.XSRFState) ([]byte, error) {
	t.requests[stage] = append(t.requests[stage], body)
	idx := t.calls[stage]
	t.calls[stage]++
	if err := t.fail[stage]; err != nil {
		return nil, err
	}
	rs := t.responses[stage]
	if idx >= len(rs) {
		return []byte(`{}`), nil
	}
	return rs[idx], nil
}

type fakeRuleStore struct {
	counts  syncproto.RuleCounts
	mode    syncproto.ClientMode
	pending syncproto.SyncType

	addErr     error
	addCalls   int
	gotRules   []syncproto.Rule
	gotFARules []syncproto.FileAccessRule
	gotCleanup syncproto.RuleCleanup
	gotSource  string
}

func (f *fakeRuleStore) AddRules(_ context.Context, rules []syncproto.Rule,
	faRules []syncproto.FileAccessRule, cleanup syncproto.RuleCleanup, source string) error {
	f.addCalls++
	f.gotRules = rules
	f.gotFARules = faRules
	f.gotCleanup = cleanup
	f.gotSource = source
	return f.addErr
}

func (f *fakeRuleStore) RuleCounts(context.Context) (syncproto.RuleCounts, error) {
	return f.counts, nil
}

func (f *fakeRuleStore) ClientMode(context.Context) (syncproto.ClientMode, error) {
	if f.mode == syncproto.ClientModeUnknown {
		return syncproto.ClientModeMonitor, nil
	}
	return f.mode, nil
}

func (f *fakeRuleStore) PendingSyncType(context.Context) (syncproto.SyncType, error) {
	return f.pending, nil
}

type fakeEventStore struct {
	events      []syncproto.Event
	removeCalls int
	removeErr   error
	lastLimit   int
}

func (f *fakeEventStore) PendingEvents(_ context.Context, limit int) ([]syncproto.Event, error) {
	f.lastLimit = limit
	if limit > len(f.events) {
		limit = len(f.events)
	}
	out := make([]syncproto.Event, limit)
	copy(out, f.events[:limit])
	return out, nil
}

func (f *fakeEventStore) RemoveEvents(_ context.Context, ids []int64) error {
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []syncproto.Event
	for _, ev := range f.events {
		if !drop[ev.ID] {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return nil
}

type fakeBundleService struct {
	readyHashes []string
}

func (f *fakeBundleService) UploadEventsForPath(context.Context, string) error { return nil }

func (f *fakeBundleService) BundleRulesReady(_ context.Context, hash string) error {
	f.readyHashes = append(f.readyHashes, hash)
	return nil
}

type fakeSettings struct {
	applied *syncproto.PreflightResponse
}

func (f *fakeSettings) ApplyPreflight(_ context.Context, resp *syncproto.PreflightResponse) error {
	f.applied = resp
	return nil
}

type fakeSink struct {
	results []peers.SyncResult
}

func (f *fakeSink) SyncCompleted(_ context.Context, r peers.SyncResult) error {
	f.results = append(f.results, r)
	return nil
}

type fakePushConfigurer struct {
	cfg       *push.Config
	connected bool
}

func (f *fakePushConfigurer) Configure(cfg push.Config) error {
	f.cfg = &cfg
	return nil
}

func (f *fakePushConfigurer) Connect()      { f.connected = true }
func (f *fakePushConfigurer) Token() string { return "TOKEN123" }

type runnerFixture struct {
	transport *fakeTransport
	rules     *fakeRuleStore
	events    *fakeEventStore
	bundles   *fakeBundleService
	settings  *fakeSettings
	sink      *fakeSink
	pushc     *fakePushConfigurer
	runner    *StageRunner
}

func newRunnerFixture() *runnerFixture {
	f := &runnerFixture{
		transport: newFakeTransport(),
		rules:     &fakeRuleStore{},
		events:    &fakeEventStore{},
		bundles:   &fakeBundleService{},
		settings:  &fakeSettings{},
		sink:      &fakeSink{},
		pushc:     &fakePushConfigurer{},
	}
	f.runner = NewStageRunner(Deps{
		Transport: f.transport,
		Rules:     f.rules,
		Events:    f.events,
		Bundles:   f.bundles,
		Settings:  f.settings,
		Results:   f.sink,
		Push:      f.pushc,
	})
	return f
}

func testSession(t *testing.T) *Session {
	t.Helper()
	codec, err := syncproto.NewCodec(syncproto.V2)
	require.NoError(t, err)
	return &Session{
		MachineID:    "machine-1",
		SerialNumber: "C02TEST",
		Hostname:     "workshop-01",
		Codec:        codec,
	}
}

func TestRun_FullPipeline(t *testing.T) {
	f := newRunnerFixture()
	f.events.events = []syncproto.Event{
		{ID: 1, FileSHA256: "aaa"},
		{ID: 2, FileSHA256: "bbb"},
		{ID: 3, FileSHA256: "ccc"},
	}
	f.transport.responses[stagePreflight] = [][]byte{[]byte(`{
		"client_mode": "LOCKDOWN",
		"batch_size": 2,
		"full_sync_interval_seconds": 900,
		"push_notifications": {
			"server": "tls://push.example.com",
			"nkey": "SUATESTSEED",
			"jwt": "eyJ0.test.jwt",
			"hmac_key": "MDEyMzQ1Njc4OWFiY2RlZg==",
			"tags": ["workshop"],
			"full_sync_interval": 14400,
			"global_rule_sync_deadline": 600
		}
	}`)}
	f.transport.responses[stageEventUpload] = [][]byte{
		[]byte(`{"event_upload_bundle_binaries": ["bundlehash1"]}`),
		[]byte(`{}`),
	}
	f.transport.responses[stageRuleDownload] = [][]byte{
		[]byte(`{"rules": [
			{"identifier": "aaa", "policy": "ALLOWLIST", "rule_type": "BINARY"},
			{"identifier": "bbb", "policy": "BLOCKLIST", "rule_type": "TEAMID"}
		], "cursor": "page2"}`),
		[]byte(`{"rules": [
			{"identifier": "ccc", "policy": "ALLOWLIST", "rule_type": "SIGNINGID"}
		]}`),
	}

	sess := testSession(t)
	st := f.runner.Run(context.Background(), sess)
	require.Equal(t, StatusOK, st)

	// Preflight consumed and push configured with the handed-off credentials.
	require.NotNil(t, f.pushc.cfg)
	assert.Equal(t, "tls://push.example.com", f.pushc.cfg.Server)
	assert.Equal(t, "machine-1", f.pushc.cfg.DeviceID)
	assert.Equal(t, []string{"workshop"}, f.pushc.cfg.Tags)
	assert.Equal(t, uint64(600), f.pushc.cfg.GlobalRuleSyncDeadline)
	assert.True(t, f.pushc.connected)
	assert.Nil(t, sess.Push)
	// The channel's copy of the key survives the session scrub.
	assert.Equal(t, []byte("0123456789abcdef"), f.pushc.cfg.HMACKey)

	// Three events in batches of two, purged per batch.
	assert.Equal(t, 2, f.transport.calls[stageEventUpload])
	assert.Equal(t, 2, f.events.removeCalls)
	assert.Empty(t, f.events.events)

	// Both rule pages land in one batched handoff.
	require.Equal(t, 1, f.rules.addCalls)
	assert.Len(t, f.rules.gotRules, 3)
	assert.Equal(t, syncproto.RuleCleanupNone, f.rules.gotCleanup)
	assert.Equal(t, ruleSource, f.rules.gotSource)
	assert.Equal(t, int64(3), sess.RulesReceived)
	assert.Equal(t, int64(3), sess.RulesProcessed)

	// The bundle requested during event upload is released after rules land.
	assert.Equal(t, []string{"bundlehash1"}, f.bundles.readyHashes)

	require.Len(t, f.sink.results, 1)
	assert.Equal(t, int64(3), f.sink.results[0].RulesReceived)

	assert.Equal(t, uint64(900), sess.FullSyncInterval)
	assert.Equal(t, syncproto.ClientModeLockdown, sess.ClientMode)
	require.NotNil(t, f.settings.applied)
}

func TestRun_PreflightFailureAbortsChain(t *testing.T) {
	f := newRunnerFixture()
	f.transport.fail[stagePreflight] = errors.New("server unreachable")

	sess := testSession(t)
	st := f.runner.Run(context.Background(), sess)

	assert.Equal(t, StatusPreflightFailed, st)
	assert.Zero(t, f.transport.calls[stageEventUpload])
	assert.Zero(t, f.transport.calls[stageRuleDownload])
	assert.Zero(t, f.transport.calls[stagePostflight])
	assert.Empty(t, f.sink.results)
}

func TestRun_EventUploadFailureAbortsChain(t *testing.T) {
	f := newRunnerFixture()
	f.events.events = []syncproto.Event{{ID: 1}}
	f.transport.fail[stageEventUpload] = errors.New("server error")

	st := f.runner.Run(context.Background(), testSession(t))

	assert.Equal(t, StatusEventUploadFailed, st)
	assert.Zero(t, f.transport.calls[stageRuleDownload])
	assert.Equal(t, 0, f.events.removeCalls)
}

func TestRun_RuleStoreErrorFailsRuleDownload(t *testing.T) {
	f := newRunnerFixture()
	f.rules.addErr = errors.New("database locked")
	f.transport.responses[stageRuleDownload] = [][]byte{
		[]byte(`{"rules": [{"identifier": "aaa", "policy": "ALLOWLIST", "rule_type": "BINARY"}]}`),
	}

	st := f.runner.Run(context.Background(), testSession(t))

	assert.Equal(t, StatusRuleDownloadFailed, st)
	assert.Zero(t, f.transport.calls[stagePostflight])
	assert.Empty(t, f.sink.results)
}

func TestRun_PendingSyncTypeUpgradesNormal(t *testing.T) {
	f := newRunnerFixture()
	f.rules.pending = syncproto.SyncTypeCleanAll

	sess := testSession(t)
	st := f.runner.Run(context.Background(), sess)
	require.Equal(t, StatusOK, st)

	assert.Equal(t, syncproto.SyncTypeCleanAll, sess.Type)
	assert.Equal(t, syncproto.RuleCleanupAll, f.rules.gotCleanup)

	// The request advertised the clean variant to the server.
	var req map[string]any
	require.NoError(t, json.Unmarshal(f.transport.requests[stagePreflight][0], &req))
	assert.Equal(t, "CLEAN_ALL", req["request_sync_type"])
}

func TestRun_ServerSyncTypeWins(t *testing.T) {
	f := newRunnerFixture()
	f.transport.responses[stagePreflight] = [][]byte{
		[]byte(`{"sync_type": "clean"}`),
	}

	sess := testSession(t)
	st := f.runner.Run(context.Background(), sess)
	require.Equal(t, StatusOK, st)

	assert.Equal(t, syncproto.SyncTypeClean, sess.Type)
	assert.Equal(t, syncproto.RuleCleanupNonTransitive, f.rules.gotCleanup)
}

func TestRun_PostflightFailureStillReportsResult(t *testing.T) {
	f := newRunnerFixture()
	f.transport.fail[stagePostflight] = errors.New("server error")

	st := f.runner.Run(context.Background(), testSession(t))

	assert.Equal(t, StatusOK, st)
	assert.Len(t, f.sink.results, 1)
}

func TestRun_EventPurgeFailureStopsLoop(t *testing.T) {
	f := newRunnerFixture()
	f.events.events = make([]syncproto.Event, defaultEventBatchSize)
	for i := range f.events.events {
		f.events.events[i].ID = int64(i + 1)
	}
	f.events.removeErr = errors.New("store busy")

	st := f.runner.Run(context.Background(), testSession(t))

	// Upload stops after the failed purge instead of re-sending forever.
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, 1, f.transport.calls[stageEventUpload])
	assert.Equal(t, 1, f.events.removeCalls)
}

func TestRunRuleSync_OnlyRuleDownload(t *testing.T) {
	f := newRunnerFixture()
	f.transport.responses[stageRuleDownload] = [][]byte{
		[]byte(`{"rules": [{"identifier": "aaa", "policy": "ALLOWLIST", "rule_type": "BINARY"}]}`),
	}

	sess := testSession(t)
	st := f.runner.RunRuleSync(context.Background(), sess)
	require.Equal(t, StatusOK, st)

	assert.Zero(t, f.transport.calls[stagePreflight])
	assert.Zero(t, f.transport.calls[stageEventUpload])
	assert.Zero(t, f.transport.calls[stagePostflight])
	assert.Equal(t, 1, f.rules.addCalls)
	assert.Len(t, f.sink.results, 1)
}

func TestScrubPushCredentials(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	s := &Session{Push: &syncproto.PushConfig{
		NKeySeed: "SUASEED",
		JWT:      "jwt",
		HMACKey:  key,
	}}
	s.ScrubPushCredentials()
	assert.Nil(t, s.Push)
	// The key bytes themselves are wiped, not just dereferenced.
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
}

func TestRun_ScrubDoesNotZeroHandedOffKey(t *testing.T) {
	f := newRunnerFixture()
	f.transport.responses[stagePreflight] = [][]byte{[]byte(`{
		"push_notifications": {
			"server": "tls://push.example.com",
			"nkey": "SUATESTSEED",
			"jwt": "eyJ0.test.jwt",
			"hmac_key": "MDEyMzQ1Njc4OWFiY2RlZg=="
		}
	}`)}

	sess := testSession(t)
	st := f.runner.Run(context.Background(), sess)
	require.Equal(t, StatusOK, st)

	// The session's credential copy is gone, but the channel must keep
	// verifying commands with the key it was handed.
	assert.Nil(t, sess.Push)
	require.NotNil(t, f.pushc.cfg)
	assert.Equal(t, []byte("0123456789abcdef"), f.pushc.cfg.HMACKey)
	assert.NotEqual(t, make([]byte, 16), f.pushc.cfg.HMACKey)
}

func TestRun_SeededBatchSizeKeptWhenServerOmits(t *testing.T) {
	f := newRunnerFixture()
	f.events.events = []syncproto.Event{{ID: 1}}

	sess := testSession(t)
	sess.BatchSize = 7
	st := f.runner.Run(context.Background(), sess)

	require.Equal(t, StatusOK, st)
	assert.Equal(t, 7, sess.BatchSize)
	assert.Equal(t, 7, f.events.lastLimit)
}
