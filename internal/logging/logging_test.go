package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		l, err := New(level)
		require.NoError(t, err, level)

		want, _ := zapcore.ParseLevel(level)
		assert.True(t, l.Core().Enabled(want))
		assert.False(t, l.Core().Enabled(want-1))
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)
}
