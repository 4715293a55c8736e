package syncd

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northpolesec/santa-sub002/internal/peers"
	"github.com/northpolesec/santa-sub002/internal/push"
	"github.com/northpolesec/santa-sub002/internal/syncclient"
	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

// Status is the outcome of one pipeline run. A stage failure aborts the
// remaining chain and surfaces as that stage's status.
type Status int

const (
	StatusOK Status = iota
	StatusPreflightFailed
	StatusEventUploadFailed
	StatusRuleDownloadFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPreflightFailed:
		return "preflight failed"
	case StatusEventUploadFailed:
		return "event upload failed"
	case StatusRuleDownloadFailed:
		return "rule download failed"
	default:
		return "unknown"
	}
}

const (
	defaultEventBatchSize = 50

	// Bounded waits on privileged peers. A timeout is a hard failure for the
	// stage, never a retry-in-place.
	daemonQueryTimeout   = 10 * time.Second
	settingsApplyTimeout = 5 * time.Second
	ruleAddTimeout       = 300 * time.Second
	bundleNotifyTimeout  = 10 * time.Second
	resultReportTimeout  = 10 * time.Second

	ruleSource = "sync-server"
)

// Stage endpoint names, appended to the server base URL together with the
// machine ID.
const (
	stagePreflight    = "preflight"
	stageEventUpload  = "eventupload"
	stageRuleDownload = "ruledownload"
	stagePostflight   = "postflight"
)

// PushConfigurer is the slice of the push channel the pipeline needs for the
// preflight credential handoff.
type PushConfigurer interface {
	Configure(cfg push.Config) error
	Connect()
	Token() string
}

// stagePoster posts one stage request and returns the response body.
// Satisfied by *syncclient.Client.
type stagePoster interface {
	PostStage(ctx context.Context, stage string, body []byte, xsrf *syncclient.XSRFState) ([]byte, error)
}

// Deps are the external collaborators a pipeline run talks to. Transport,
// Rules, Events and Results are required; the rest are optional and skipped
// when nil.
type Deps struct {
	Transport stagePoster
	Rules     peers.RuleStore
	Events    peers.EventStore
	Bundles   peers.BundleService
	Settings  peers.SettingsNotifier
	Results   peers.SyncResultSink
	Push      PushConfigurer
}

// StageRunner executes the four sync stages as a strict sequential pipeline.
// It holds no per-run state; everything mutable lives on the session.
type StageRunner struct {
	deps Deps
}

func NewStageRunner(deps Deps) *StageRunner {
	return &StageRunner{deps: deps}
}

// Run executes preflight, event upload, rule download and postflight in
// order. The first failing stage aborts the chain.
func (r *StageRunner) Run(ctx context.Context, s *Session) Status {
	if err := r.preflight(ctx, s); err != nil {
		logrus.WithError(err).Errorln("Preflight failed")
		return StatusPreflightFailed
	}
	if err := r.eventUpload(ctx, s); err != nil {
		logrus.WithError(err).Errorln("Event upload failed")
		return StatusEventUploadFailed
	}
	if err := r.ruleDownload(ctx, s); err != nil {
		logrus.WithError(err).Errorln("Rule download failed")
		return StatusRuleDownloadFailed
	}
	r.postflight(ctx, s)
	return StatusOK
}

// RunRuleSync executes only the rule download stage. It shares the pipeline
// execution context with full syncs, so the two never overlap.
func (r *StageRunner) RunRuleSync(ctx context.Context, s *Session) Status {
	if err := r.ruleDownload(ctx, s); err != nil {
		logrus.WithError(err).Errorln("Rule-only sync failed")
		return StatusRuleDownloadFailed
	}
	r.reportResult(s, nil)
	return StatusOK
}

func (r *StageRunner) preflight(ctx context.Context, s *Session) error {
	defer s.ScrubPushCredentials()

	qctx, cancel := context.WithTimeout(ctx, daemonQueryTimeout)
	defer cancel()

	counts, err := r.deps.Rules.RuleCounts(qctx)
	if err != nil {
		return err
	}
	mode, err := r.deps.Rules.ClientMode(qctx)
	if err != nil {
		return err
	}
	pending, err := r.deps.Rules.PendingSyncType(qctx)
	if err != nil {
		return err
	}
	// A daemon-required sync type overrides a plain normal sync but never
	// downgrades an explicitly requested clean variant.
	if pending != syncproto.SyncTypeNormal && s.Type == syncproto.SyncTypeNormal {
		s.Type = pending
	}
	s.ClientMode = mode

	if r.deps.Push != nil {
		s.PushToken = r.deps.Push.Token()
	}

	req := &syncproto.PreflightRequest{
		SerialNumber:     s.SerialNumber,
		Hostname:         s.Hostname,
		OSVersion:        s.OSVersion,
		OSBuild:          s.OSBuild,
		ModelIdentifier:  s.ModelIdentifier,
		SantaVersion:     s.SantaVersion,
		PrimaryUser:      s.PrimaryUser,
		ClientMode:       mode,
		RequestCleanSync: s.Type.IsClean(),
		RequestSyncType:  s.Type,
		RuleCounts:       counts,
		PushToken:        s.PushToken,
	}
	body, err := s.Codec.EncodePreflightRequest(req)
	if err != nil {
		return err
	}
	data, err := r.deps.Transport.PostStage(ctx, stagePreflight, body, &s.XSRF)
	if err != nil {
		return err
	}
	resp, err := s.Codec.DecodePreflightResponse(data)
	if err != nil {
		return err
	}

	// sync_type wins over the deprecated clean_sync flag; the codec has
	// already resolved that precedence into resp.SyncType.
	if resp.SyncType != nil {
		s.Type = *resp.SyncType
	}
	if resp.BatchSize > 0 {
		s.BatchSize = resp.BatchSize
	} else if s.BatchSize <= 0 {
		s.BatchSize = defaultEventBatchSize
	}
	s.FullSyncInterval = resp.FullSyncInterval
	s.BackoffInterval = resp.BackoffInterval

	if r.deps.Settings != nil {
		sctx, scancel := context.WithTimeout(ctx, settingsApplyTimeout)
		defer scancel()
		if err := r.deps.Settings.ApplyPreflight(sctx, resp); err != nil {
			return err
		}
	}

	s.Push = resp.Push
	if s.Push != nil && r.deps.Push != nil {
		// The channel gets its own copy of the key: the session's slice is
		// zeroed by the deferred scrub when this stage returns.
		cfg := push.Config{
			Server:                 s.Push.Server,
			NKeySeed:               s.Push.NKeySeed,
			JWT:                    s.Push.JWT,
			HMACKey:                bytes.Clone(s.Push.HMACKey),
			DeviceID:               s.MachineID,
			Tags:                   s.Push.Tags,
			FullSyncInterval:       s.Push.FullSyncInterval,
			GlobalRuleSyncDeadline: s.Push.GlobalRuleSyncDeadline,
		}
		if err := r.deps.Push.Configure(cfg); err != nil {
			logrus.WithError(err).Warnln("Push channel rejected preflight config")
		} else {
			r.deps.Push.Connect()
		}
	}

	logrus.WithFields(logrus.Fields{
		"syncType":   s.Type.String(),
		"clientMode": s.ClientMode.String(),
		"batchSize":  s.BatchSize,
	}).Infoln("Preflight complete")
	return nil
}

func (r *StageRunner) eventUpload(ctx context.Context, s *Session) error {
	seen := make(map[string]bool)
	for {
		qctx, cancel := context.WithTimeout(ctx, daemonQueryTimeout)
		events, err := r.deps.Events.PendingEvents(qctx, s.BatchSize)
		cancel()
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		body, err := s.Codec.EncodeEventUploadRequest(&syncproto.EventUploadRequest{Events: events})
		if err != nil {
			return err
		}
		data, err := r.deps.Transport.PostStage(ctx, stageEventUpload, body, &s.XSRF)
		if err != nil {
			return err
		}
		resp, err := s.Codec.DecodeEventUploadResponse(data)
		if err != nil {
			return err
		}
		for _, hash := range resp.EventUploadBundleBinaries {
			if hash == "" || seen[hash] {
				continue
			}
			seen[hash] = true
			s.PendingBundleHashes = append(s.PendingBundleHashes, hash)
		}

		// Uploaded events are purged per batch, whether or not the server
		// wanted them, so a later failure never re-uploads them.
		ids := make([]int64, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		rctx, rcancel := context.WithTimeout(ctx, daemonQueryTimeout)
		err = r.deps.Events.RemoveEvents(rctx, ids)
		rcancel()
		if err != nil {
			// Stop here rather than risk uploading the same batch forever.
			logrus.WithError(err).Warnln("Failed to purge uploaded events")
			return nil
		}
		logrus.WithField("count", len(events)).Infoln("Uploaded event batch")

		if len(events) < s.BatchSize {
			return nil
		}
	}
}

func (r *StageRunner) ruleDownload(ctx context.Context, s *Session) error {
	var rules []syncproto.Rule
	var faRules []syncproto.FileAccessRule

	cursor := ""
	for {
		body, err := s.Codec.EncodeRuleDownloadRequest(&syncproto.RuleDownloadRequest{Cursor: cursor})
		if err != nil {
			return err
		}
		data, err := r.deps.Transport.PostStage(ctx, stageRuleDownload, body, &s.XSRF)
		if err != nil {
			return err
		}
		resp, err := s.Codec.DecodeRuleDownloadResponse(data)
		if err != nil {
			return err
		}
		for _, d := range resp.Dropped {
			logrus.WithFields(logrus.Fields{
				"identifier": d.Identifier,
				"reason":     d.Reason,
			}).Debugln("Dropped malformed rule")
		}
		rules = append(rules, resp.Rules...)
		faRules = append(faRules, resp.FileAccessRules...)

		cursor = resp.Cursor
		if cursor == "" {
			break
		}
	}

	s.RulesReceived = int64(len(rules))
	s.FileAccessRulesReceived = int64(len(faRules))

	cleanup := s.Type.CleanupPolicy()
	if len(rules) > 0 || len(faRules) > 0 || cleanup != syncproto.RuleCleanupNone {
		actx, cancel := context.WithTimeout(ctx, ruleAddTimeout)
		err := r.deps.Rules.AddRules(actx, rules, faRules, cleanup, ruleSource)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logrus.Errorln("Rule database did not respond in time")
			}
			return err
		}
	}
	s.RulesProcessed = s.RulesReceived
	s.FileAccessRulesProcessed = s.FileAccessRulesReceived

	if r.deps.Bundles != nil {
		for _, hash := range s.PendingBundleHashes {
			bctx, cancel := context.WithTimeout(ctx, bundleNotifyTimeout)
			err := r.deps.Bundles.BundleRulesReady(bctx, hash)
			cancel()
			if err != nil {
				logrus.WithError(err).WithField("bundleHash", hash).
					Warnln("Failed to release bundle notification")
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"rules":           len(rules),
		"fileAccessRules": len(faRules),
	}).Infoln("Rule download complete")
	return nil
}

// postflight reports final counts to the server and the sync result to the
// daemon. The HTTP round trip is best effort; the stage never fails the
// chain once the peer notification has been attempted.
func (r *StageRunner) postflight(ctx context.Context, s *Session) {
	req := &syncproto.PostflightRequest{
		SyncType:                 s.Type,
		RulesReceived:            s.RulesReceived,
		RulesProcessed:           s.RulesProcessed,
		FileAccessRulesReceived:  s.FileAccessRulesReceived,
		FileAccessRulesProcessed: s.FileAccessRulesProcessed,
	}
	body, err := s.Codec.EncodePostflightRequest(req)
	if err != nil {
		logrus.WithError(err).Warnln("Failed to encode postflight request")
	} else if data, err := r.deps.Transport.PostStage(ctx, stagePostflight, body, &s.XSRF); err != nil {
		logrus.WithError(err).Warnln("Postflight request failed")
	} else if resp, err := s.Codec.DecodePostflightResponse(data); err != nil {
		logrus.WithError(err).Warnln("Failed to decode postflight response")
	} else if resp.BackoffInterval > 0 {
		s.BackoffInterval = resp.BackoffInterval
	}

	r.reportResult(s, nil)
}

func (r *StageRunner) reportResult(s *Session, runErr error) {
	if r.deps.Results == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), resultReportTimeout)
	defer cancel()
	err := r.deps.Results.SyncCompleted(rctx, peers.SyncResult{
		Type:           s.Type,
		RulesReceived:  s.RulesReceived,
		RulesProcessed: s.RulesProcessed,
		Err:            runErr,
	})
	if err != nil {
		logrus.WithError(err).Warnln("Failed to report sync result")
	}
}
