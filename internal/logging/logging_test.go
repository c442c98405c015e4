package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel_RecognizesKnownLevels(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nonsense"))
}

func TestInitialize_ReplacesLogAndNamedReturnsChild(t *testing.T) {
	Initialize(true)
	t.Cleanup(func() { Log = nil; Initialize(false) })

	require := assert.New(t)
	require.NotNil(Log)
	child := Named("worker")
	require.NotNil(child)
}

func TestRedactToken_ShortTokenIsFullyMasked(t *testing.T) {
	assert.Equal(t, "***", RedactToken("short"))
}

func TestRedactToken_LongTokenKeepsOnlyPrefix(t *testing.T) {
	got := RedactToken("abcdefghijklmnop")
	assert.Equal(t, "abcd...(redacted)", got)
	assert.NotContains(t, got, "efghijklmnop")
}

func TestCleanup_DoesNotPanicWhenLogIsNil(t *testing.T) {
	orig := Log
	defer func() { Log = orig }()
	Log = nil
	assert.NotPanics(t, Cleanup)
}
