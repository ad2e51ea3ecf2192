package hlog

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "****", Redact("abc"))
	assert.Equal(t, "tok1****", Redact("tok1-very-secret"))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel(false, true, false, zerolog.ErrorLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel(true, false, false, zerolog.ErrorLevel))
	assert.Equal(t, zerolog.ErrorLevel, parseLogLevel(false, false, true, zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel(false, false, false, zerolog.WarnLevel))
}

func TestIsContextCancellation(t *testing.T) {
	assert.False(t, IsContextCancellation(nil))
	assert.True(t, IsContextCancellation(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, IsContextCancellation(context.DeadlineExceeded))
	assert.False(t, IsContextCancellation(fmt.Errorf("boom")))
}
