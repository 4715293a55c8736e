// Package command implements the authenticated remote command channel:
// envelope parsing, HMAC + freshness + replay verification, and dispatch to
// the privileged peer handlers.
package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// PingCommand is a liveness probe. It carries no payload.
type PingCommand struct{}

// RunningProcessSelector identifies one process incarnation to kill.
type RunningProcessSelector struct {
	PID             int32  `json:"pid"`
	PIDVersion      int32  `json:"pidversion"`
	BootSessionUUID string `json:"boot_session_uuid"`
}

// KillCommand selects processes to terminate. Exactly one selector must be
// set; the dispatcher rejects anything else.
type KillCommand struct {
	RunningProcess *RunningProcessSelector `json:"running_process,omitempty"`
	CDHash         string                  `json:"cdhash,omitempty"`
	SigningID      string                  `json:"signing_id,omitempty"`
	TeamID         string                  `json:"team_id,omitempty"`
}

// EventUploadCommand requests event generation and upload for a path.
type EventUploadCommand struct {
	Path string `json:"path"`
}

// Envelope is one inbound signed command. It is constructed from wire bytes,
// verified, consumed exactly once by the dispatcher, and never persisted.
type Envelope struct {
	UUID     string `json:"uuid"`
	IssuedAt int64  `json:"issued_at"`
	HMAC     []byte `json:"hmac,omitempty"`

	// oneof: at most one of the following is set.
	Ping        *PingCommand        `json:"ping,omitempty"`
	Kill        *KillCommand        `json:"kill,omitempty"`
	EventUpload *EventUploadCommand `json:"event_upload,omitempty"`
}

// DecodeEnvelope parses a wire envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding command envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SigningBytes returns the serialization the MAC is computed over: the
// envelope with the signature field cleared.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.HMAC = nil
	return json.Marshal(&unsigned)
}

// Sign computes and stores the envelope's HMAC-SHA256 signature.
func (e *Envelope) Sign(key []byte) error {
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	e.HMAC = mac.Sum(nil)
	return nil
}
