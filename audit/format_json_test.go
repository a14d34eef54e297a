package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() *LogEntry {
	return &LogEntry{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Auth: &Auth{
			TenantID:    7,
			ClientID:    "platform-7",
			PerformedBy: "platform-1",
		},
		Request: &Request{
			ID:       "req-1",
			Method:   "GET",
			ClientIP: "203.0.113.7",
			Path:     "/v1/tenants/7",
		},
	}
}

func TestJSONFormat_Plain(t *testing.T) {
	data, err := NewJSONFormat().Format(context.Background(), testEntry())
	require.NoError(t, err)

	var got LogEntry
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "platform-7", got.Auth.ClientID)
	assert.Equal(t, int64(7), got.Auth.TenantID)
	assert.Nil(t, got.Response)
}

func TestJSONFormat_SaltAndOmit(t *testing.T) {
	entry := testEntry()
	hmacer := NewHMACer("key")
	format := NewJSONFormat(
		WithPrefix("@audit:"),
		WithSaltFunc(hmacer.SaltFunc()),
		WithSaltFields(DefaultSaltFields),
		WithOmitFields([]string{"request.client_ip"}),
	)

	data, err := format.Format(context.Background(), entry)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "@audit:"))

	var got LogEntry
	require.NoError(t, json.Unmarshal(data[len("@audit:"):], &got))

	want, _ := hmacer.Salt(context.Background(), "platform-7")
	assert.Equal(t, want, got.Auth.ClientID)
	assert.True(t, strings.HasPrefix(got.Auth.PerformedBy, "hmac-sha256:"))
	assert.Empty(t, got.Auth.Username)
	assert.Empty(t, got.Request.ClientIP)

	// the caller's entry is untouched
	assert.Equal(t, "platform-7", entry.Auth.ClientID)
	assert.Equal(t, "203.0.113.7", entry.Request.ClientIP)
}

func TestJSONFormat_NoAuth(t *testing.T) {
	entry := testEntry()
	entry.Auth = nil
	format := NewJSONFormat(
		WithSaltFunc(NewHMACer("key").SaltFunc()),
		WithSaltFields(DefaultSaltFields),
	)
	data, err := format.Format(context.Background(), entry)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"auth"`)
}

func TestHMACer(t *testing.T) {
	ctx := context.Background()
	a, err := NewHMACer("k1").Salt(ctx, "value")
	require.NoError(t, err)
	b, _ := NewHMACer("k1").Salt(ctx, "value")
	c, _ := NewHMACer("k2").Salt(ctx, "value")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	empty, err := NewHMACer("k1").Salt(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestValidateFieldPaths(t *testing.T) {
	assert.NoError(t, ValidateFieldPaths(DefaultSaltFields))
	assert.ErrorContains(t, ValidateFieldPaths([]string{"response.data"}), "unknown audit field")
}
