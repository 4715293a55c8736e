package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		valid bool
	}{
		{"santa.host.ABC123", true},
		{"santa.tag.workshop", true},
		{"santa.host.", false},
		{"santa.tag.", false},
		{"santa.tag.a.b", false},
		{"santa.tag.a-b", false},
		{"santa.host.abc-123", false},
		{"santa.broadcast.all", false},
		{"other.tag.workshop", false},
		{"", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, ValidTopic(tc.topic), "topic %q", tc.topic)
	}
}

func TestCommandTopic(t *testing.T) {
	assert.Equal(t, "santa.host.ABC123.commands", commandTopic("ABC123"))
}
