package push

import "strings"

const (
	// Topic namespace shared with the sync server's NATS deployment.
	hostTopicPrefix = "santa.host."
	tagTopicPrefix  = "santa.tag."

	// Per-device command topic is the host topic plus this suffix.
	commandTopicSuffix = ".commands"
)

// ValidTopic reports whether a subscription topic is acceptable: it must be
// a host or tag topic whose remainder is non-empty and free of `.` and `-`,
// both of which have structural meaning to the broker's subject routing.
func ValidTopic(topic string) bool {
	var suffix string
	switch {
	case strings.HasPrefix(topic, hostTopicPrefix):
		suffix = topic[len(hostTopicPrefix):]
	case strings.HasPrefix(topic, tagTopicPrefix):
		suffix = topic[len(tagTopicPrefix):]
	default:
		return false
	}
	if suffix == "" {
		return false
	}
	return !strings.ContainsAny(suffix, ".-")
}

func hostTopic(deviceID string) string {
	return hostTopicPrefix + deviceID
}

func commandTopic(deviceID string) string {
	return hostTopic(deviceID) + commandTopicSuffix
}
