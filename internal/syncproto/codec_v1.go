package syncproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// codecV1 speaks the original JSON dialect. It carries the deprecated key set
// (clean_sync, whitelist/blacklist policy spellings, numeric client modes)
// and must keep accepting them indefinitely.
type codecV1 struct{}

func (c *codecV1) Version() Version { return V1 }

type v1PreflightRequest struct {
	SerialNumber     string `json:"serial_num,omitempty"`
	Hostname         string `json:"hostname,omitempty"`
	OSVersion        string `json:"os_version,omitempty"`
	OSBuild          string `json:"os_build,omitempty"`
	ModelIdentifier  string `json:"model_identifier,omitempty"`
	SantaVersion     string `json:"santa_version,omitempty"`
	PrimaryUser      string `json:"primary_user,omitempty"`
	ClientMode       int    `json:"client_mode,omitempty"`
	RequestCleanSync bool   `json:"request_clean_sync,omitempty"`
	PushToken        string `json:"push_notification_token,omitempty"`

	BinaryRuleCount      int64 `json:"binary_rule_count"`
	CertificateRuleCount int64 `json:"certificate_rule_count"`
	CompilerRuleCount    int64 `json:"compiler_rule_count"`
	TransitiveRuleCount  int64 `json:"transitive_rule_count"`
	TeamIDRuleCount      int64 `json:"teamid_rule_count"`
	SigningIDRuleCount   int64 `json:"signingid_rule_count"`
	CDHashRuleCount      int64 `json:"cdhash_rule_count"`
}

type v1PushConfig struct {
	Server                 string   `json:"server,omitempty"`
	NKeySeed               string   `json:"nkey,omitempty"`
	JWT                    string   `json:"jwt,omitempty"`
	HMACKey                string   `json:"hmac_key,omitempty"`
	Tags                   []string `json:"tags,omitempty"`
	FullSyncInterval       uint64   `json:"full_sync_interval,omitempty"`
	GlobalRuleSyncDeadline uint64   `json:"global_rule_sync_deadline,omitempty"`
}

type v1PreflightResponse struct {
	ClientMode       string `json:"client_mode,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	AllowedPathRegex string `json:"allowed_path_regex,omitempty"`
	// Deprecated spelling, still sent by older servers.
	WhitelistRegex   string `json:"whitelist_regex,omitempty"`
	BlockedPathRegex string `json:"blocked_path_regex,omitempty"`
	BlacklistRegex   string `json:"blacklist_regex,omitempty"`

	BlockUSBMount  *bool    `json:"block_usb_mount,omitempty"`
	RemountUSBMode []string `json:"remount_usb_mode,omitempty"`

	EnableBundles                    *bool `json:"enable_bundles,omitempty"`
	BundlesEnabledDeprecated         *bool `json:"bundles_enabled,omitempty"`
	EnableTransitiveRules            *bool `json:"enable_transitive_rules,omitempty"`
	TransitiveWhitelistingDeprecated *bool `json:"transitive_whitelisting_enabled,omitempty"`
	EnableAllEventUpload             *bool `json:"enable_all_event_upload,omitempty"`
	DisableUnknownEventUpload        *bool `json:"disable_unknown_event_upload,omitempty"`

	FullSyncInterval         uint64 `json:"full_sync_interval,omitempty"`
	OverrideFileAccessAction string `json:"override_file_access_action,omitempty"`
	BackoffInterval          uint64 `json:"backoff,omitempty"`

	SyncType  string `json:"sync_type,omitempty"`
	CleanSync *bool  `json:"clean_sync,omitempty"`

	Push *v1PushConfig `json:"push_notifications,omitempty"`
}

func (c *codecV1) EncodePreflightRequest(req *PreflightRequest) ([]byte, error) {
	return json.Marshal(&v1PreflightRequest{
		SerialNumber:     req.SerialNumber,
		Hostname:         req.Hostname,
		OSVersion:        req.OSVersion,
		OSBuild:          req.OSBuild,
		ModelIdentifier:  req.ModelIdentifier,
		SantaVersion:     req.SantaVersion,
		PrimaryUser:      req.PrimaryUser,
		ClientMode:       clientModeToV1(req.ClientMode),
		RequestCleanSync: req.RequestCleanSync || req.RequestSyncType.IsClean(),
		PushToken:        req.PushToken,

		BinaryRuleCount:      req.RuleCounts.Binary,
		CertificateRuleCount: req.RuleCounts.Certificate,
		CompilerRuleCount:    req.RuleCounts.Compiler,
		TransitiveRuleCount:  req.RuleCounts.Transitive,
		TeamIDRuleCount:      req.RuleCounts.TeamID,
		SigningIDRuleCount:   req.RuleCounts.SigningID,
		CDHashRuleCount:      req.RuleCounts.CDHash,
	})
}

func (c *codecV1) DecodePreflightResponse(data []byte) (*PreflightResponse, error) {
	var wire v1PreflightResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding v1 preflight response: %w", err)
	}

	resp := &PreflightResponse{
		ClientMode:                parseClientMode(wire.ClientMode),
		BatchSize:                 wire.BatchSize,
		AllowedPathRegex:          firstNonEmpty(wire.AllowedPathRegex, wire.WhitelistRegex),
		BlockedPathRegex:          firstNonEmpty(wire.BlockedPathRegex, wire.BlacklistRegex),
		BlockUSBMount:             wire.BlockUSBMount,
		RemountUSBMode:            wire.RemountUSBMode,
		EnableBundles:             firstNonNil(wire.EnableBundles, wire.BundlesEnabledDeprecated),
		EnableTransitiveRules:     firstNonNil(wire.EnableTransitiveRules, wire.TransitiveWhitelistingDeprecated),
		EnableAllEventUpload:      wire.EnableAllEventUpload,
		DisableUnknownEventUpload: wire.DisableUnknownEventUpload,
		FullSyncInterval:          wire.FullSyncInterval,
		OverrideFileAccessAction:  wire.OverrideFileAccessAction,
		BackoffInterval:           wire.BackoffInterval,
		SyncType:                  resolveSyncType(wire.SyncType, wire.CleanSync),
	}

	if wire.Push != nil {
		key, err := base64.StdEncoding.DecodeString(wire.Push.HMACKey)
		if err != nil {
			return nil, fmt.Errorf("decoding push hmac key: %w", err)
		}
		resp.Push = &PushConfig{
			Server:                 wire.Push.Server,
			NKeySeed:               wire.Push.NKeySeed,
			JWT:                    wire.Push.JWT,
			HMACKey:                key,
			Tags:                   wire.Push.Tags,
			FullSyncInterval:       wire.Push.FullSyncInterval,
			GlobalRuleSyncDeadline: wire.Push.GlobalRuleSyncDeadline,
		}
	}

	return resp, nil
}

type v1Event struct {
	FileSHA256            string   `json:"file_sha256,omitempty"`
	FilePath              string   `json:"file_path,omitempty"`
	FileName              string   `json:"file_name,omitempty"`
	ExecutingUser         string   `json:"executing_user,omitempty"`
	ExecutionTime         float64  `json:"execution_time,omitempty"`
	Decision              string   `json:"decision,omitempty"`
	PID                   int      `json:"pid,omitempty"`
	PPID                  int      `json:"ppid,omitempty"`
	ParentName            string   `json:"parent_name,omitempty"`
	TeamID                string   `json:"team_id,omitempty"`
	SigningID             string   `json:"signing_id,omitempty"`
	CDHash                string   `json:"cdhash,omitempty"`
	LoggedInUsers         []string `json:"logged_in_users,omitempty"`
	CurrentSessions       []string `json:"current_sessions,omitempty"`
	FileBundleID          string   `json:"file_bundle_id,omitempty"`
	FileBundlePath        string   `json:"file_bundle_path,omitempty"`
	FileBundleHash        string   `json:"file_bundle_hash,omitempty"`
	FileBundleBinaryCount int      `json:"file_bundle_binary_count,omitempty"`
	QuarantineDataURL     string   `json:"quarantine_data_url,omitempty"`
}

func eventToV1(e *Event) v1Event {
	return v1Event{
		FileSHA256:            e.FileSHA256,
		FilePath:              e.FilePath,
		FileName:              e.FileName,
		ExecutingUser:         e.ExecutingUser,
		ExecutionTime:         e.ExecutionTime,
		Decision:              e.Decision,
		PID:                   e.PID,
		PPID:                  e.PPID,
		ParentName:            e.ParentName,
		TeamID:                e.TeamID,
		SigningID:             e.SigningID,
		CDHash:                e.CDHash,
		LoggedInUsers:         e.LoggedInUsers,
		CurrentSessions:       e.CurrentSessions,
		FileBundleID:          e.FileBundleID,
		FileBundlePath:        e.FileBundlePath,
		FileBundleHash:        e.FileBundleHash,
		FileBundleBinaryCount: e.FileBundleBinaryCount,
		QuarantineDataURL:     e.QuarantineDataURL,
	}
}

func (c *codecV1) EncodeEventUploadRequest(req *EventUploadRequest) ([]byte, error) {
	events := make([]v1Event, 0, len(req.Events))
	for i := range req.Events {
		events = append(events, eventToV1(&req.Events[i]))
	}
	return json.Marshal(map[string]any{"events": events})
}

func (c *codecV1) DecodeEventUploadResponse(data []byte) (*EventUploadResponse, error) {
	var wire struct {
		BundleBinaries []string `json:"event_upload_bundle_binaries,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding v1 event upload response: %w", err)
	}
	return &EventUploadResponse{EventUploadBundleBinaries: wire.BundleBinaries}, nil
}

func (c *codecV1) EncodeRuleDownloadRequest(req *RuleDownloadRequest) ([]byte, error) {
	body := map[string]any{}
	if req.Cursor != "" {
		body["cursor"] = req.Cursor
	}
	return json.Marshal(body)
}

type v1Rule struct {
	Identifier string `json:"identifier,omitempty"`
	// Deprecated identifier key for binary rules.
	SHA256    string `json:"sha256,omitempty"`
	Policy    string `json:"policy"`
	RuleType  string `json:"rule_type"`
	CustomMsg string `json:"custom_msg,omitempty"`
	CustomURL string `json:"custom_url,omitempty"`
	Comment   string `json:"comment,omitempty"`
	CELExpr   string `json:"cel_expr,omitempty"`
}

type v1RuleDownloadResponse struct {
	Rules  []v1Rule `json:"rules,omitempty"`
	Cursor string   `json:"cursor,omitempty"`
}

func (c *codecV1) DecodeRuleDownloadResponse(data []byte) (*RuleDownloadResponse, error) {
	var wire v1RuleDownloadResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding v1 rule download response: %w", err)
	}

	resp := &RuleDownloadResponse{Cursor: wire.Cursor}
	for _, wr := range wire.Rules {
		rule, err := parseV1Rule(&wr)
		if err != nil {
			resp.Dropped = append(resp.Dropped, DroppedRule{
				Identifier: firstNonEmpty(wr.Identifier, wr.SHA256),
				Reason:     err.Error(),
			})
			continue
		}
		resp.Rules = append(resp.Rules, rule)
	}
	return resp, nil
}

func parseV1Rule(wr *v1Rule) (Rule, error) {
	identifier := firstNonEmpty(wr.Identifier, wr.SHA256)
	if identifier == "" {
		return Rule{}, fmt.Errorf("rule missing identifier")
	}
	policy, err := parsePolicy(wr.Policy)
	if err != nil {
		return Rule{}, err
	}
	ruleType, err := parseRuleType(wr.RuleType)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Identifier: identifier,
		Policy:     policy,
		RuleType:   ruleType,
		CustomMsg:  wr.CustomMsg,
		CustomURL:  wr.CustomURL,
		Comment:    wr.Comment,
		CELExpr:    wr.CELExpr,
	}, nil
}

func (c *codecV1) EncodePostflightRequest(req *PostflightRequest) ([]byte, error) {
	return json.Marshal(map[string]any{
		"rules_received":  req.RulesReceived,
		"rules_processed": req.RulesProcessed,
		"sync_type":       strings.ToLower(req.SyncType.String()),
	})
}

func (c *codecV1) DecodePostflightResponse(data []byte) (*PostflightResponse, error) {
	var wire struct {
		BackoffInterval uint64 `json:"backoff,omitempty"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decoding v1 postflight response: %w", err)
		}
	}
	return &PostflightResponse{BackoffInterval: wire.BackoffInterval}, nil
}

func clientModeToV1(m ClientMode) int {
	switch m {
	case ClientModeMonitor:
		return 1
	case ClientModeLockdown:
		return 2
	case ClientModeStandalone:
		return 3
	default:
		return 0
	}
}

func parseClientMode(s string) ClientMode {
	switch strings.ToUpper(s) {
	case "MONITOR", "1":
		return ClientModeMonitor
	case "LOCKDOWN", "2":
		return ClientModeLockdown
	case "STANDALONE", "3":
		return ClientModeStandalone
	default:
		return ClientModeUnknown
	}
}

func parsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(s) {
	case "ALLOWLIST", "WHITELIST":
		return PolicyAllowlist, nil
	case "ALLOWLIST_COMPILER", "WHITELIST_COMPILER":
		return PolicyAllowlistCompiler, nil
	case "BLOCKLIST", "BLACKLIST":
		return PolicyBlocklist, nil
	case "SILENT_BLOCKLIST", "SILENT_BLACKLIST":
		return PolicySilentBlocklist, nil
	case "REMOVE":
		return PolicyRemove, nil
	case "CEL":
		return PolicyCEL, nil
	default:
		return PolicyUnknown, fmt.Errorf("unknown rule policy %q", s)
	}
}

func parseRuleType(s string) (RuleType, error) {
	switch strings.ToUpper(s) {
	case "BINARY":
		return RuleTypeBinary, nil
	case "CERTIFICATE":
		return RuleTypeCertificate, nil
	case "TEAMID":
		return RuleTypeTeamID, nil
	case "SIGNINGID":
		return RuleTypeSigningID, nil
	case "CDHASH":
		return RuleTypeCDHash, nil
	default:
		return RuleTypeUnknown, fmt.Errorf("unknown rule type %q", s)
	}
}

func parseSyncType(s string) (SyncType, bool) {
	switch strings.ToUpper(s) {
	case "NORMAL":
		return SyncTypeNormal, true
	case "CLEAN":
		return SyncTypeClean, true
	case "CLEAN_ALL":
		return SyncTypeCleanAll, true
	case "CLEAN_STANDALONE":
		return SyncTypeCleanStandalone, true
	case "CLEAN_RULES":
		return SyncTypeCleanRules, true
	case "CLEAN_FILE_ACCESS_RULES":
		return SyncTypeCleanFileAccessRules, true
	default:
		return SyncTypeNormal, false
	}
}

// resolveSyncType applies the asymmetric precedence between the sync_type
// field and the deprecated clean_sync flag: whenever sync_type parses it
// wins, even if clean_sync contradicts it. Older servers send only the flag.
func resolveSyncType(syncType string, cleanSync *bool) *SyncType {
	if t, ok := parseSyncType(syncType); ok {
		return &t
	}
	if cleanSync != nil {
		t := SyncTypeNormal
		if *cleanSync {
			t = SyncTypeClean
		}
		return &t
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(values ...*bool) *bool {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
