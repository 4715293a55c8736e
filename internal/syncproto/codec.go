package syncproto

import "fmt"

// Version selects which wire schema a session speaks. The two schemas are
// structurally parallel; only key names and enum spellings differ.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	if v == V2 {
		return "v2"
	}
	return "v1"
}

// Codec maps the in-memory message types to and from one wire schema
// version. Implementations are pure data mapping with no side effects, so a
// single codec value can be shared across sessions of the same version.
type Codec interface {
	Version() Version

	EncodePreflightRequest(req *PreflightRequest) ([]byte, error)
	DecodePreflightResponse(data []byte) (*PreflightResponse, error)

	EncodeEventUploadRequest(req *EventUploadRequest) ([]byte, error)
	DecodeEventUploadResponse(data []byte) (*EventUploadResponse, error)

	EncodeRuleDownloadRequest(req *RuleDownloadRequest) ([]byte, error)
	DecodeRuleDownloadResponse(data []byte) (*RuleDownloadResponse, error)

	EncodePostflightRequest(req *PostflightRequest) ([]byte, error)
	DecodePostflightResponse(data []byte) (*PostflightResponse, error)
}

// NewCodec returns the codec for the given protocol version.
func NewCodec(v Version) (Codec, error) {
	switch v {
	case V1:
		return &codecV1{}, nil
	case V2:
		return &codecV2{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}
}
