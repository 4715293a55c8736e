package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northpolesec/santa-sub002/internal/peers"
)

// ErrorCode is the wire error taxonomy for command responses.
type ErrorCode string

const (
	ErrorNone                  ErrorCode = ""
	ErrorUnknownRequestType    ErrorCode = "ERROR_UNKNOWN_REQUEST_TYPE"
	ErrorInternal              ErrorCode = "ERROR_INTERNAL"
	ErrorTimeout               ErrorCode = "ERROR_TIMEOUT"
	ErrorInvalidRunningProcess ErrorCode = "ERROR_INVALID_RUNNING_PROCESS"
	ErrorInvalidCDHash         ErrorCode = "ERROR_INVALID_CDHASH"
	ErrorInvalidSigningID      ErrorCode = "ERROR_INVALID_SIGNING_ID"
	ErrorInvalidTeamID         ErrorCode = "ERROR_INVALID_TEAM_ID"
	ErrorInvalidSelector       ErrorCode = "ERROR_INVALID_SELECTOR"
	ErrorInvalidPath           ErrorCode = "ERROR_INVALID_PATH"
	ErrorInvalidData           ErrorCode = "ERROR_INVALID_DATA"
	ErrorInvalidUUID           ErrorCode = "ERROR_INVALID_UUID"
)

// KillProcessError is the per-process outcome code in a kill response.
type KillProcessError string

const (
	KillProcessErrorNone                KillProcessError = ""
	KillProcessErrorUnknown             KillProcessError = "ERROR_UNKNOWN"
	KillProcessErrorInvalidTarget       KillProcessError = "ERROR_INVALID_TARGET"
	KillProcessErrorNotPermitted        KillProcessError = "ERROR_NOT_PERMITTED"
	KillProcessErrorNoSuchProcess       KillProcessError = "ERROR_NO_SUCH_PROCESS"
	KillProcessErrorInvalidArgument     KillProcessError = "ERROR_INVALID_ARGUMENT"
	KillProcessErrorBootSessionMismatch KillProcessError = "ERROR_BOOT_SESSION_MISMATCH"
)

// PingResult is the (empty) payload of a successful ping.
type PingResult struct{}

// KilledProcess reports the outcome for one process matched by a kill
// command.
type KilledProcess struct {
	PID        int32            `json:"pid"`
	PIDVersion int32            `json:"pidversion"`
	Error      KillProcessError `json:"error,omitempty"`
}

// KillResult is the kill sub-response.
type KillResult struct {
	Error     ErrorCode       `json:"error,omitempty"`
	Processes []KilledProcess `json:"processes,omitempty"`
}

// EventUploadResult is the event-upload sub-response.
type EventUploadResult struct {
	Error ErrorCode `json:"error,omitempty"`
}

// Response is the reply to one command envelope. Either the top-level Error
// is set, or exactly one result variant is.
type Response struct {
	Error ErrorCode `json:"error,omitempty"`

	Ping        *PingResult        `json:"ping,omitempty"`
	Kill        *KillResult        `json:"kill,omitempty"`
	EventUpload *EventUploadResult `json:"event_upload,omitempty"`
}

// Encode serializes the response for the reply topic.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

const (
	killTimeout        = 90 * time.Second
	eventUploadTimeout = 600 * time.Second
)

// Dispatcher routes an authenticated command to its handler. It is
// transport-agnostic: the caller decides how the response travels back.
type Dispatcher struct {
	killer  peers.ProcessKiller
	bundles peers.BundleService
}

// NewDispatcher wires the dispatcher to its peers. Either peer may be nil,
// in which case the corresponding commands answer ERROR_INTERNAL.
func NewDispatcher(killer peers.ProcessKiller, bundles peers.BundleService) *Dispatcher {
	return &Dispatcher{killer: killer, bundles: bundles}
}

// Dispatch consumes one verified envelope and produces its response. Exactly
// one handler runs, selected by the envelope's command variant.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) *Response {
	switch {
	case env.Ping != nil:
		return &Response{Ping: &PingResult{}}
	case env.Kill != nil:
		return d.dispatchKill(ctx, env.UUID, env.Kill)
	case env.EventUpload != nil:
		return d.dispatchEventUpload(env.EventUpload)
	default:
		return &Response{Error: ErrorUnknownRequestType}
	}
}

// buildKillRequest validates that exactly one selector variant is present
// and that it is well formed. The returned error code identifies the bad
// selector so the sender can tell which field to fix.
func buildKillRequest(uuid string, cmd *KillCommand) (*peers.KillRequest, ErrorCode) {
	variants := 0
	if cmd.RunningProcess != nil {
		variants++
	}
	if cmd.CDHash != "" {
		variants++
	}
	if cmd.SigningID != "" {
		variants++
	}
	if cmd.TeamID != "" && cmd.SigningID == "" {
		// A team ID alongside a signing ID scopes the signing ID rather
		// than being its own selector.
		variants++
	}
	if variants != 1 {
		return nil, ErrorInvalidSelector
	}

	req := &peers.KillRequest{UUID: uuid}
	switch {
	case cmd.RunningProcess != nil:
		rp := cmd.RunningProcess
		if rp.PID <= 0 || rp.BootSessionUUID == "" {
			return nil, ErrorInvalidRunningProcess
		}
		req.RunningProcess = &peers.RunningProcess{
			PID:             rp.PID,
			PIDVersion:      rp.PIDVersion,
			BootSessionUUID: rp.BootSessionUUID,
		}
	case cmd.CDHash != "":
		// A cdhash is 20 bytes, hex encoded.
		if len(cmd.CDHash) != 40 {
			return nil, ErrorInvalidCDHash
		}
		req.CDHash = cmd.CDHash
	case cmd.SigningID != "":
		if cmd.TeamID == "" {
			return nil, ErrorInvalidSigningID
		}
		req.SigningID = cmd.SigningID
		req.TeamID = cmd.TeamID
	case cmd.TeamID != "":
		if len(cmd.TeamID) != 10 {
			return nil, ErrorInvalidTeamID
		}
		req.TeamID = cmd.TeamID
	}
	return req, ErrorNone
}

func killOutcomeToWire(outcome peers.KillOutcome) KillProcessError {
	switch outcome {
	case peers.KillOutcomeNone:
		return KillProcessErrorNone
	case peers.KillOutcomeInvalidTarget:
		return KillProcessErrorInvalidTarget
	case peers.KillOutcomeNotPermitted:
		return KillProcessErrorNotPermitted
	case peers.KillOutcomeNoSuchProcess:
		return KillProcessErrorNoSuchProcess
	case peers.KillOutcomeInvalidArgument:
		return KillProcessErrorInvalidArgument
	case peers.KillOutcomeBootSessionMismatch:
		return KillProcessErrorBootSessionMismatch
	default:
		return KillProcessErrorUnknown
	}
}

func (d *Dispatcher) dispatchKill(ctx context.Context, uuid string, cmd *KillCommand) *Response {
	req, code := buildKillRequest(uuid, cmd)
	if code != ErrorNone {
		// Malformed selector; never reaches the peer.
		return &Response{Kill: &KillResult{Error: code}}
	}

	if d.killer == nil {
		logrus.Warnln("Kill command received but no process killer is attached")
		return &Response{Kill: &KillResult{Error: ErrorInternal}}
	}

	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()

	killed, err := d.killer.KillProcesses(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logrus.WithField("uuid", uuid).Errorln("Kill request timed out waiting for daemon")
			return &Response{Kill: &KillResult{Error: ErrorTimeout}}
		}
		logrus.WithField("uuid", uuid).WithError(err).Errorln("Kill request failed")
		return &Response{Kill: &KillResult{Error: ErrorInternal}}
	}

	result := &KillResult{}
	for _, p := range killed {
		result.Processes = append(result.Processes, KilledProcess{
			PID:        p.PID,
			PIDVersion: p.PIDVersion,
			Error:      killOutcomeToWire(p.Outcome),
		})
	}
	return &Response{Kill: result}
}

func (d *Dispatcher) dispatchEventUpload(cmd *EventUploadCommand) *Response {
	if cmd.Path == "" {
		return &Response{EventUpload: &EventUploadResult{Error: ErrorInvalidPath}}
	}
	if d.bundles == nil {
		logrus.Warnln("Event upload command received but no bundle service is attached")
		return &Response{EventUpload: &EventUploadResult{Error: ErrorInternal}}
	}

	// Fire and forget: the reply never blocks on upload completion.
	path := cmd.Path
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventUploadTimeout)
		defer cancel()
		if err := d.bundles.UploadEventsForPath(ctx, path); err != nil {
			logrus.WithField("path", path).WithError(err).Errorln("Background event upload failed")
		}
	}()

	return &Response{EventUpload: &EventUploadResult{}}
}

// ErrorResponse builds the well-formed reply for an envelope that failed
// parsing or authentication.
func ErrorResponse(err error) *Response {
	if errors.Is(err, ErrInvalidUUID) {
		return &Response{Error: ErrorInvalidUUID}
	}
	return &Response{Error: ErrorInvalidData}
}
