package syncproto

// ClientMode is the execution policy mode the daemon runs in.
type ClientMode int

const (
	ClientModeUnknown ClientMode = iota
	ClientModeMonitor
	ClientModeLockdown
	ClientModeStandalone
)

func (m ClientMode) String() string {
	switch m {
	case ClientModeMonitor:
		return "MONITOR"
	case ClientModeLockdown:
		return "LOCKDOWN"
	case ClientModeStandalone:
		return "STANDALONE"
	default:
		return "UNKNOWN"
	}
}

// SyncType selects how much local rule state a sync is allowed to replace.
// Exactly one sync type is active per session. The clean variants force the
// request-clean flag on preflight and a matching local cleanup on download.
type SyncType int

const (
	SyncTypeNormal SyncType = iota
	SyncTypeClean
	SyncTypeCleanAll
	SyncTypeCleanStandalone
	SyncTypeCleanRules
	SyncTypeCleanFileAccessRules
)

func (t SyncType) String() string {
	switch t {
	case SyncTypeClean:
		return "CLEAN"
	case SyncTypeCleanAll:
		return "CLEAN_ALL"
	case SyncTypeCleanStandalone:
		return "CLEAN_STANDALONE"
	case SyncTypeCleanRules:
		return "CLEAN_RULES"
	case SyncTypeCleanFileAccessRules:
		return "CLEAN_FILE_ACCESS_RULES"
	default:
		return "NORMAL"
	}
}

// IsClean reports whether the sync type requests a clean rule set from the
// server.
func (t SyncType) IsClean() bool {
	return t != SyncTypeNormal
}

// RuleCleanup is the local rule-database cleanup policy handed to the rule
// store together with a downloaded batch.
type RuleCleanup int

const (
	RuleCleanupNone RuleCleanup = iota
	RuleCleanupNonTransitive
	RuleCleanupAll
)

// CleanupPolicy maps a sync type to the local cleanup action that must
// accompany the downloaded rule batch.
func (t SyncType) CleanupPolicy() RuleCleanup {
	switch t {
	case SyncTypeClean, SyncTypeCleanStandalone, SyncTypeCleanRules:
		return RuleCleanupNonTransitive
	case SyncTypeCleanAll:
		return RuleCleanupAll
	default:
		return RuleCleanupNone
	}
}

// Policy is the action a rule applies to matching executions.
type Policy int

const (
	PolicyUnknown Policy = iota
	PolicyAllowlist
	PolicyAllowlistCompiler
	PolicyBlocklist
	PolicySilentBlocklist
	PolicyRemove
	PolicyCEL
)

// RuleType is the identifier namespace a rule matches against.
type RuleType int

const (
	RuleTypeUnknown RuleType = iota
	RuleTypeBinary
	RuleTypeCertificate
	RuleTypeTeamID
	RuleTypeSigningID
	RuleTypeCDHash
)

// FileAccessAction controls the file-access-authorization subsystem.
type FileAccessAction int

const (
	FileAccessActionUnspecified FileAccessAction = iota
	FileAccessActionNone
	FileAccessActionAuditOnly
	FileAccessActionDisable
)

// Rule is a single execution rule downloaded from the sync server.
type Rule struct {
	Identifier string
	Policy     Policy
	RuleType   RuleType
	CustomMsg  string
	CustomURL  string
	Comment    string
	CELExpr    string
}

// FileAccessPathType distinguishes literal from prefix path matches.
type FileAccessPathType int

const (
	FileAccessPathTypeLiteral FileAccessPathType = iota
	FileAccessPathTypePrefix
)

// FileAccessPath is one watched path inside a file-access rule.
type FileAccessPath struct {
	Path     string
	PathType FileAccessPathType
}

// FileAccessRule is a single file-access-authorization rule downloaded from
// the sync server.
type FileAccessRule struct {
	Name    string
	Version string
	Paths   []FileAccessPath
	Action  FileAccessAction
}

// Event is a locally stored execution event queued for upload. ID is the
// event store's local identifier used to purge the event after a successful
// batch upload; it is never sent to the server.
type Event struct {
	ID                    int64
	FileSHA256            string
	FilePath              string
	FileName              string
	ExecutingUser         string
	ExecutionTime         float64
	Decision              string
	PID                   int
	PPID                  int
	ParentName            string
	TeamID                string
	SigningID             string
	CDHash                string
	LoggedInUsers         []string
	CurrentSessions       []string
	FileBundleID          string
	FileBundlePath        string
	FileBundleHash        string
	FileBundleBinaryCount int
	QuarantineDataURL     string
}

// PushConfig is the push-notification credential bundle delivered by a
// preflight response. It exists only transiently: the orchestrator hands it
// to the push channel and then scrubs it from the session.
type PushConfig struct {
	Server                 string
	NKeySeed               string
	JWT                    string
	HMACKey                []byte
	Tags                   []string
	FullSyncInterval       uint64
	GlobalRuleSyncDeadline uint64
}

// RuleCounts is the per-type rule census reported during preflight.
type RuleCounts struct {
	Binary      int64
	Certificate int64
	Compiler    int64
	Transitive  int64
	TeamID      int64
	SigningID   int64
	CDHash      int64
}

// PreflightRequest reports local state and capabilities to the server before
// any data exchange.
type PreflightRequest struct {
	SerialNumber     string
	Hostname         string
	OSVersion        string
	OSBuild          string
	ModelIdentifier  string
	SantaVersion     string
	PrimaryUser      string
	ClientMode       ClientMode
	RequestCleanSync bool
	RequestSyncType  SyncType
	RuleCounts       RuleCounts
	PushToken        string
}

// PreflightResponse carries the server's negotiated configuration. Pointer
// fields distinguish "absent" from zero values.
type PreflightResponse struct {
	ClientMode                ClientMode
	BatchSize                 int
	AllowedPathRegex          string
	BlockedPathRegex          string
	BlockUSBMount             *bool
	RemountUSBMode            []string
	EnableBundles             *bool
	EnableTransitiveRules     *bool
	EnableAllEventUpload      *bool
	DisableUnknownEventUpload *bool
	FullSyncInterval          uint64
	OverrideFileAccessAction  string
	BackoffInterval           uint64

	// SyncType is the resolved sync type after applying the precedence rule:
	// the sync_type field always wins over the deprecated clean_sync flag.
	SyncType *SyncType

	Push *PushConfig
}

// EventUploadRequest is one batch of locally queued events.
type EventUploadRequest struct {
	Events []Event
}

// EventUploadResponse may request bundle binary hashes the server wants full
// event generation for.
type EventUploadResponse struct {
	EventUploadBundleBinaries []string
}

// RuleDownloadRequest asks for one page of rules at the given cursor. An
// empty cursor requests the first page.
type RuleDownloadRequest struct {
	Cursor string
}

// DroppedRule records a single malformed rule skipped during decode. Dropping
// happens at rule granularity so one bad item never aborts a page; the stage
// logs each one at debug level.
type DroppedRule struct {
	Identifier string
	Reason     string
}

// RuleDownloadResponse is one page of rules. A non-empty Cursor means more
// pages follow.
type RuleDownloadResponse struct {
	Rules           []Rule
	FileAccessRules []FileAccessRule
	Dropped         []DroppedRule
	Cursor          string
}

// PostflightRequest reports final counts after rule processing.
type PostflightRequest struct {
	SyncType                 SyncType
	RulesReceived            int64
	RulesProcessed           int64
	FileAccessRulesReceived  int64
	FileAccessRulesProcessed int64
}

// PostflightResponse is currently empty on the wire but kept as a distinct
// type so stage signatures stay symmetric across protocol versions.
type PostflightResponse struct {
	BackoffInterval uint64
}
