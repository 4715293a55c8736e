package syncproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// codecV2 speaks the current JSON dialect. It drops the deprecated spellings
// and adds file-access rules to the download and postflight messages.
type codecV2 struct{}

func (c *codecV2) Version() Version { return V2 }

type v2PreflightRequest struct {
	SerialNumber    string `json:"serial_number,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	OSBuild         string `json:"os_build,omitempty"`
	ModelIdentifier string `json:"model_identifier,omitempty"`
	SantaVersion    string `json:"santa_version,omitempty"`
	PrimaryUser     string `json:"primary_user,omitempty"`
	ClientMode      string `json:"client_mode,omitempty"`
	RequestSyncType string `json:"request_sync_type,omitempty"`
	PushToken       string `json:"push_notification_token,omitempty"`

	BinaryRuleCount      int64 `json:"binary_rule_count"`
	CertificateRuleCount int64 `json:"certificate_rule_count"`
	CompilerRuleCount    int64 `json:"compiler_rule_count"`
	TransitiveRuleCount  int64 `json:"transitive_rule_count"`
	TeamIDRuleCount      int64 `json:"teamid_rule_count"`
	SigningIDRuleCount   int64 `json:"signingid_rule_count"`
	CDHashRuleCount      int64 `json:"cdhash_rule_count"`
}

type v2PreflightResponse struct {
	ClientMode       string   `json:"client_mode,omitempty"`
	BatchSize        int      `json:"batch_size,omitempty"`
	AllowedPathRegex string   `json:"allowed_path_regex,omitempty"`
	BlockedPathRegex string   `json:"blocked_path_regex,omitempty"`
	BlockUSBMount    *bool    `json:"block_usb_mount,omitempty"`
	RemountUSBMode   []string `json:"remount_usb_mode,omitempty"`

	EnableBundles             *bool `json:"enable_bundles,omitempty"`
	EnableTransitiveRules     *bool `json:"enable_transitive_rules,omitempty"`
	EnableAllEventUpload      *bool `json:"enable_all_event_upload,omitempty"`
	DisableUnknownEventUpload *bool `json:"disable_unknown_event_upload,omitempty"`

	FullSyncInterval         uint64 `json:"full_sync_interval_seconds,omitempty"`
	OverrideFileAccessAction string `json:"override_file_access_action,omitempty"`
	BackoffInterval          uint64 `json:"backoff_interval_seconds,omitempty"`

	SyncType string `json:"sync_type,omitempty"`
	// Deprecated, but some deployments still emit it alongside sync_type.
	CleanSync *bool `json:"clean_sync,omitempty"`

	Push *v1PushConfig `json:"push_notifications,omitempty"`
}

func (c *codecV2) EncodePreflightRequest(req *PreflightRequest) ([]byte, error) {
	syncType := ""
	if req.RequestSyncType.IsClean() || req.RequestCleanSync {
		t := req.RequestSyncType
		if !t.IsClean() {
			t = SyncTypeClean
		}
		syncType = t.String()
	}
	return json.Marshal(&v2PreflightRequest{
		SerialNumber:    req.SerialNumber,
		Hostname:        req.Hostname,
		OSVersion:       req.OSVersion,
		OSBuild:         req.OSBuild,
		ModelIdentifier: req.ModelIdentifier,
		SantaVersion:    req.SantaVersion,
		PrimaryUser:     req.PrimaryUser,
		ClientMode:      req.ClientMode.String(),
		RequestSyncType: syncType,
		PushToken:       req.PushToken,

		BinaryRuleCount:      req.RuleCounts.Binary,
		CertificateRuleCount: req.RuleCounts.Certificate,
		CompilerRuleCount:    req.RuleCounts.Compiler,
		TransitiveRuleCount:  req.RuleCounts.Transitive,
		TeamIDRuleCount:      req.RuleCounts.TeamID,
		SigningIDRuleCount:   req.RuleCounts.SigningID,
		CDHashRuleCount:      req.RuleCounts.CDHash,
	})
}

func (c *codecV2) DecodePreflightResponse(data []byte) (*PreflightResponse, error) {
	var wire v2PreflightResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding v2 preflight response: %w", err)
	}

	resp := &PreflightResponse{
		ClientMode:                parseClientMode(wire.ClientMode),
		BatchSize:                 wire.BatchSize,
		AllowedPathRegex:          wire.AllowedPathRegex,
		BlockedPathRegex:          wire.BlockedPathRegex,
		BlockUSBMount:             wire.BlockUSBMount,
		RemountUSBMode:            wire.RemountUSBMode,
		EnableBundles:             wire.EnableBundles,
		EnableTransitiveRules:     wire.EnableTransitiveRules,
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

func (c *codecV2) EncodeEventUploadRequest(req *EventUploadRequest) ([]byte, error) {
	events := make([]v1Event, 0, len(req.Events))
	for i := range req.Events {
		events = append(events, eventToV1(&req.Events[i]))
	}
	return json.Marshal(map[string]any{"events": events})
}

func (c *codecV2) DecodeEventUploadResponse(data []byte) (*EventUploadResponse, error) {
	var wire struct {
		BundleBinaries []string `json:"event_upload_bundle_binaries,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding v2 event upload response: %w", err)
	}
	return &EventUploadResponse{EventUploadBundleBinaries: wire.BundleBinaries}, nil
}

func (c *codecV2) EncodeRuleDownloadRequest(req *RuleDownloadRequest) ([]byte, error) {
	body := map[string]any{}
	if req.Cursor != "" {
		body["cursor"] = req.Cursor
	}
	return json.Marshal(body)
}

type v2FileAccessPath struct {
	Path     string `json:"path"`
	PathType string `json:"path_type,omitempty"`
}

type v2FileAccessRule struct {
	Name    string             `json:"name,omitempty"`
	Version string             `json:"version,omitempty"`
	Paths   []v2FileAccessPath `json:"paths,omitempty"`
	Action  string             `json:"action,omitempty"`
}

type v2RuleDownloadResponse struct {
	Rules           []v1Rule           `json:"rules,omitempty"`
	FileAccessRules []v2FileAccessRule `json:"file_access_rules,omitempty"`
	Cursor          string             `json:"cursor,omitempty"`
}

func (c *codecV2) DecodeRuleDownloadResponse(data []byte) (*RuleDownloadResponse, error) {
	var wire v2RuleDownloadResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding v2 rule download response: %w", err)
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
	for _, wr := range wire.FileAccessRules {
		rule, err := parseV2FileAccessRule(&wr)
		if err != nil {
			resp.Dropped = append(resp.Dropped, DroppedRule{Identifier: wr.Name, Reason: err.Error()})
			continue
		}
		resp.FileAccessRules = append(resp.FileAccessRules, rule)
	}
	return resp, nil
}

func parseV2FileAccessRule(wr *v2FileAccessRule) (FileAccessRule, error) {
	if wr.Name == "" {
		return FileAccessRule{}, fmt.Errorf("file access rule missing name")
	}
	rule := FileAccessRule{Name: wr.Name, Version: wr.Version}
	switch strings.ToUpper(wr.Action) {
	case "", "NONE":
		rule.Action = FileAccessActionNone
	case "AUDIT_ONLY":
		rule.Action = FileAccessActionAuditOnly
	case "DISABLE":
		rule.Action = FileAccessActionDisable
	default:
		return FileAccessRule{}, fmt.Errorf("unknown file access action %q", wr.Action)
	}
	for _, p := range wr.Paths {
		path := FileAccessPath{Path: p.Path}
		switch strings.ToUpper(p.PathType) {
		case "", "LITERAL":
			path.PathType = FileAccessPathTypeLiteral
		case "PREFIX":
			path.PathType = FileAccessPathTypePrefix
		default:
			return FileAccessRule{}, fmt.Errorf("unknown path type %q", p.PathType)
		}
		rule.Paths = append(rule.Paths, path)
	}
	return rule, nil
}

func (c *codecV2) EncodePostflightRequest(req *PostflightRequest) ([]byte, error) {
	return json.Marshal(map[string]any{
		"rules_received":              req.RulesReceived,
		"rules_processed":             req.RulesProcessed,
		"file_access_rules_received":  req.FileAccessRulesReceived,
		"file_access_rules_processed": req.FileAccessRulesProcessed,
		"sync_type":                   req.SyncType.String(),
	})
}

func (c *codecV2) DecodePostflightResponse(data []byte) (*PostflightResponse, error) {
	var wire struct {
		BackoffInterval uint64 `json:"backoff_interval_seconds,omitempty"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decoding v2 postflight response: %w", err)
		}
	}
	return &PostflightResponse{BackoffInterval: wire.BackoffInterval}, nil
}
