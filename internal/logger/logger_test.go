package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = New("", "")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))

	l, err = New("ERROR", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.WarnLevel))

	_, err = New("verbose", "json")
	require.Error(t, err)
	_, err = New("info", "xml")
	require.Error(t, err)
}

func TestInit(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	require.NoError(t, Init("warn", "json"))
	assert.True(t, Log.Core().Enabled(zap.WarnLevel))
	assert.False(t, Log.Core().Enabled(zap.InfoLevel))

	require.Error(t, Init("nope", "json"))
}
