package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewSetsGlobalLevel(t *testing.T) {
	cases := []struct {
		level string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"nonsense", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tc := range cases {
		t.Run("level "+tc.level, func(t *testing.T) {
			New(Config{Level: tc.level})
			assert.Equal(t, tc.want, zerolog.GlobalLevel())
		})
	}
}

func TestComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	child := Component(root, "poller")
	child.Info().Msg("tick")

	assert.Contains(t, buf.String(), `"component":"poller"`)
	assert.Contains(t, buf.String(), `"tick"`)
}

func TestComponentLeavesParentUntagged(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	_ = Component(root, "poller")
	root.Info().Msg("plain")

	assert.NotContains(t, buf.String(), "component")
}
