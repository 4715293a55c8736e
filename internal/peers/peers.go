// Package peers declares the interfaces of the privileged collaborators the
// sync service talks to: the rule database, the event store, the process
// killer, and the bundle/event generation service. Their implementations
// live outside this module; every call takes a context so callers can bound
// the wait on an unresponsive peer.
package peers

import (
	"context"

	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

// RuleStore is the privileged rule database. AddRules is a single batched,
// transactional handoff: either the whole downloaded set is applied together
// with the cleanup policy, or nothing is.
type RuleStore interface {
	AddRules(ctx context.Context, rules []syncproto.Rule,
		fileAccessRules []syncproto.FileAccessRule,
		cleanup syncproto.RuleCleanup, source string) error

	RuleCounts(ctx context.Context) (syncproto.RuleCounts, error)

	// ClientMode returns the daemon's current execution mode, reported
	// during preflight.
	ClientMode(ctx context.Context) (syncproto.ClientMode, error)

	// PendingSyncType returns the sync type the daemon has marked as
	// required (for example after a rule database reset), or
	// SyncTypeNormal when none is pending.
	PendingSyncType(ctx context.Context) (syncproto.SyncType, error)
}

// EventStore holds locally queued execution events awaiting upload.
type EventStore interface {
	// PendingEvents returns up to limit queued events, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]syncproto.Event, error)

	// RemoveEvents purges events by their local IDs. Called after every
	// successfully uploaded batch, regardless of whether the server wanted
	// the events.
	RemoveEvents(ctx context.Context, ids []int64) error
}

// KillOutcome is the per-process result of a kill request.
type KillOutcome int

const (
	KillOutcomeUnknown KillOutcome = iota
	KillOutcomeNone
	KillOutcomeInvalidTarget
	KillOutcomeNotPermitted
	KillOutcomeNoSuchProcess
	KillOutcomeInvalidArgument
	KillOutcomeBootSessionMismatch
)

// RunningProcess identifies one specific process incarnation. The boot
// session UUID guards against pid reuse across reboots.
type RunningProcess struct {
	PID             int32
	PIDVersion      int32
	BootSessionUUID string
}

// KillRequest selects the processes to terminate. Exactly one selector field
// is set; the dispatcher validates this before handing the request over.
type KillRequest struct {
	UUID           string
	RunningProcess *RunningProcess
	CDHash         string
	TeamID         string
	SigningID      string
}

// KilledProcess reports the outcome for one matched process.
type KilledProcess struct {
	PID        int32
	PIDVersion int32
	Outcome    KillOutcome
}

// ProcessKiller terminates processes on behalf of authenticated remote
// commands.
type ProcessKiller interface {
	KillProcesses(ctx context.Context, req *KillRequest) ([]KilledProcess, error)
}

// BundleService generates and uploads full event sets for bundles.
type BundleService interface {
	// UploadEventsForPath generates events for the bundle at path and
	// uploads them. Invoked fire-and-forget from the command dispatcher.
	UploadEventsForPath(ctx context.Context, path string) error

	// BundleRulesReady signals that every pending rule for the bundle hash
	// has arrived and any blocked-binary notification can be released.
	BundleRulesReady(ctx context.Context, bundleHash string) error
}

// SettingsNotifier receives the negotiated configuration after a successful
// preflight.
type SettingsNotifier interface {
	ApplyPreflight(ctx context.Context, resp *syncproto.PreflightResponse) error
}

// SyncResult is reported to the daemon after every sync attempt, successful
// or not.
type SyncResult struct {
	Type           syncproto.SyncType
	RulesReceived  int64
	RulesProcessed int64
	Err            error
}

// SyncResultSink consumes end-of-sync notifications.
type SyncResultSink interface {
	SyncCompleted(ctx context.Context, result SyncResult) error
}
