package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level LogLevel) (*GatedLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, _ := NewGatedLogger(&Config{
		Level:   level,
		Format:  JSONFormat,
		Outputs: []io.Writer{buf},
	}, GatedWriterConfig{Underlying: buf, InitialState: GateOpen})
	return l, buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &out))
	return out
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, TraceLevel, ParseLogLevel("trace"))
	assert.Equal(t, WarnLevel, ParseLogLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("err"))
	assert.Equal(t, InfoLevel, ParseLogLevel("bogus"))
	assert.Equal(t, JSONFormat, ParseOutputFormat("Json"))
	assert.Equal(t, DefaultFormat, ParseOutputFormat(""))
}

func TestZerologLogger_FieldsAndSubsystem(t *testing.T) {
	l, buf := newBufferLogger(t, TraceLevel)

	l.WithSubsystem("claim").WithSubsystem("resolver").Info("resolved",
		TenantID(42), String("client_id", "abc"), Err(errors.New("boom")))

	line := lastLine(t, buf)
	assert.Equal(t, "resolved", line["message"])
	assert.Equal(t, "claim.resolver", line["module"])
	assert.EqualValues(t, 42, line["tenant_id"])
	assert.Equal(t, "abc", line["client_id"])
	assert.Equal(t, "boom", line["error"])
}

func TestZerologLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, WarnLevel)

	l.Debug("hidden")
	l.Info("hidden too")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.False(t, l.IsLevelEnabled(DebugLevel))
	assert.True(t, l.IsLevelEnabled(ErrorLevel))
}

func TestGatedWriter_BuffersUntilOpened(t *testing.T) {
	var buf bytes.Buffer
	gw := NewGatedWriter(GatedWriterConfig{Underlying: &buf})

	_, _ = gw.Write([]byte("line 1\n"))
	_, _ = gw.Write([]byte("line 2\n"))
	assert.Zero(t, buf.Len())
	assert.Positive(t, gw.BufferedSize())

	require.NoError(t, gw.OpenGate())
	assert.Equal(t, "line 1\nline 2\n", buf.String())
	assert.Zero(t, gw.BufferedSize())

	_, _ = gw.Write([]byte("line 3\n"))
	assert.Contains(t, buf.String(), "line 3")
}

func TestGatedWriter_MaxBufferDropsOldest(t *testing.T) {
	var buf bytes.Buffer
	gw := NewGatedWriter(GatedWriterConfig{Underlying: &buf, MaxBufferSize: 10})

	_, _ = gw.Write([]byte("0123456789"))
	_, _ = gw.Write([]byte("abcde"))
	assert.Equal(t, 10, gw.BufferedSize())

	require.NoError(t, gw.Flush())
	assert.Equal(t, "56789abcde", buf.String())
}

func TestHCLogAdapter_ForwardsArgs(t *testing.T) {
	l, buf := newBufferLogger(t, TraceLevel)
	adapter := NewHCLogAdapter(l).Named("pool").With("queue", "7")

	adapter.Error("job failed", "attempt", 2, "error", errors.New("timeout"))

	line := lastLine(t, buf)
	assert.Equal(t, "job failed", line["message"])
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "pool", line["module"])
	assert.Equal(t, "7", line["queue"])
	assert.EqualValues(t, 2, line["attempt"])
	assert.Equal(t, "timeout", line["error"])
	assert.Equal(t, hclog.Trace, adapter.GetLevel())
}
