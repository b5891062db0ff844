package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestInitLoggerJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	InitLoggerTo(&buf, "info", "json", false)
	log.Info().Str("k", "v").Msg("hello")

	assert.Contains(t, buf.String(), `"k":"v"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
	assert.False(t, Verbose())
}

func TestInitLoggerDevelopmentIsVerbose(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	InitLoggerTo(&buf, "info", "console", true)
	assert.True(t, Verbose())

	InitLoggerTo(&buf, "debug", "console", false)
	assert.True(t, Verbose())
	SetVerbose(false)
	assert.False(t, Verbose())
}
