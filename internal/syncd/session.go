// Package syncd runs the four-stage sync pipeline and schedules its
// invocations: admission control, periodic timers, push-triggered syncs, and
// reachability-based retry.
package syncd

import (
	"github.com/northpolesec/santa-sub002/internal/syncclient"
	"github.com/northpolesec/santa-sub002/internal/syncproto"
)

// Session is the mutable state of one sync attempt. It is created fresh per
// attempt, owned by exactly one pipeline run, and discarded afterwards.
// Admission control guarantees no two runs share a session.
type Session struct {
	MachineID       string
	SerialNumber    string
	Hostname        string
	OSVersion       string
	OSBuild         string
	ModelIdentifier string
	SantaVersion    string
	PrimaryUser     string

	Type  syncproto.SyncType
	Codec syncproto.Codec

	// XSRF is the double-submit token cache for this run; every stage
	// request threads it through the transport.
	XSRF syncclient.XSRFState

	// PushToken identifies this device to the push broker. Reported to the
	// server during preflight so it can target push messages.
	PushToken string

	BatchSize        int
	ClientMode       syncproto.ClientMode
	FullSyncInterval uint64
	BackoffInterval  uint64

	RulesReceived            int64
	RulesProcessed           int64
	FileAccessRulesReceived  int64
	FileAccessRulesProcessed int64

	// PendingBundleHashes are bundle hashes the server asked full event
	// generation for during event upload. Rule download releases their
	// blocked-binary notifications once the matching rules have landed.
	PendingBundleHashes []string

	// Push holds the preflight-delivered push credentials. It exists only
	// between the preflight response decode and the handoff to the push
	// channel; ScrubPushCredentials clears it before the stage returns.
	Push *syncproto.PushConfig
}

// ScrubPushCredentials wipes the push credential material from the session.
// Called unconditionally at the end of preflight so the nkey seed, JWT and
// HMAC key never survive into later stages.
func (s *Session) ScrubPushCredentials() {
	if s.Push == nil {
		return
	}
	for i := range s.Push.HMACKey {
		s.Push.HMACKey[i] = 0
	}
	s.Push = nil
}
