package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger := New("master-test", "debug", "json")
	require.NotNil(t, logger)
	require.Equal(t, "master-test", logger.service)

	// invalid level falls back to info rather than erroring
	logger = New("master-test", "bogus-level", "text")
	require.NotNil(t, logger)
}

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")

	logger := NewFromEnv("master")
	require.NotNil(t, logger)
	require.Equal(t, "master", logger.service)
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("master", "info", "json")
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = context.WithValue(ctx, UserIDKey, "caller-1")
	ctx = context.WithValue(ctx, RoleKey, "operator")

	entry := logger.WithContext(ctx)
	require.Equal(t, "master", entry.Data["service"])
	require.Equal(t, "trace-123", entry.Data["trace_id"])
	require.Equal(t, "caller-1", entry.Data["user_id"])
	require.Equal(t, "operator", entry.Data["role"])
}

func TestLogger_WithTraceID(t *testing.T) {
	logger := New("master", "info", "json")
	entry := logger.WithTraceID("trace-123")

	require.Equal(t, "trace-123", entry.Data["trace_id"])
	require.Equal(t, "master", entry.Data["service"])
}

func TestLogger_WithFieldsAndError(t *testing.T) {
	logger := New("master", "info", "json")

	entry := logger.WithFields(map[string]interface{}{"endpoint": "vision-analyzer-1"})
	require.Equal(t, "vision-analyzer-1", entry.Data["endpoint"])
	require.Equal(t, "master", entry.Data["service"])

	entry = logger.WithError(errors.New("dial tcp: connection refused"))
	require.Equal(t, "dial tcp: connection refused", entry.Data["error"])
}

func TestGetTraceIDGetUserIDGetRole(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "", GetTraceID(ctx))
	require.Equal(t, "", GetUserID(ctx))
	require.Equal(t, "", GetRole(ctx))

	ctx = WithTraceID(ctx, "trace-abc")
	ctx = context.WithValue(ctx, UserIDKey, "sut-runner")
	ctx = context.WithValue(ctx, RoleKey, "admin")
	require.Equal(t, "trace-abc", GetTraceID(ctx))
	require.Equal(t, "sut-runner", GetUserID(ctx))
	require.Equal(t, "admin", GetRole(ctx))
}

func TestNewTraceID_Unique(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()
	require.NotEmpty(t, id1)
	require.NotEqual(t, id1, id2)
}

func TestLogger_LogRequest(t *testing.T) {
	logger := New("master", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.LogRequest(ctx, "POST", "/admin/campaigns", 201, 42*time.Millisecond)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Equal(t, "POST", parsed["method"])
	require.Equal(t, "/admin/campaigns", parsed["path"])
	require.Equal(t, float64(201), parsed["status_code"])
	require.Equal(t, "trace-123", parsed["trace_id"])
}

func TestLogger_LogStateWrite(t *testing.T) {
	logger := New("master", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.LogStateWrite(context.Background(), "accounts.json", 2*time.Millisecond, nil)
	var ok map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ok))
	require.Equal(t, "accounts.json", ok["key"])
	require.Equal(t, "State write committed", ok["message"])

	buf.Reset()
	logger.LogStateWrite(context.Background(), "registry.json", time.Millisecond, errors.New("disk full"))
	var failed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &failed))
	require.Equal(t, "State write failed", failed["message"])
	require.Equal(t, "disk full", failed["error"])
}

func TestLogger_LogSUTEvent(t *testing.T) {
	logger := New("master", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.LogSUTEvent(context.Background(), "sut-7f3a", "paired", nil)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Equal(t, "sut-7f3a", parsed["unique_id"])
	require.Equal(t, "paired", parsed["event"])
	require.Equal(t, "SUT event", parsed["message"])
}

func TestLogger_LogSecurityEvent(t *testing.T) {
	logger := New("master", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.LogSecurityEvent(context.Background(), "admin_gate_rejected", map[string]interface{}{
		"remote_addr": "10.0.0.5",
	})

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Equal(t, "admin_gate_rejected", parsed["event_type"])
	require.Equal(t, "security", parsed["severity"])
	require.Equal(t, "10.0.0.5", parsed["remote_addr"])
	require.Equal(t, "warning", parsed["level"])
}

func TestLogger_InfoWarnErrorDebug(t *testing.T) {
	logger := New("master", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Info(context.Background(), "queue drained", map[string]interface{}{"endpoint": "vision-1"})
	require.Contains(t, buf.String(), "queue drained")

	buf.Reset()
	logger.Warn(context.Background(), "endpoint degraded", map[string]interface{}{"endpoint": "vision-1"})
	require.Contains(t, buf.String(), "endpoint degraded")

	buf.Reset()
	logger.Error(context.Background(), "run failed", errors.New("timeout"), map[string]interface{}{"run_id": "r-1"})
	require.Contains(t, buf.String(), "run failed")
	require.Contains(t, buf.String(), "timeout")

	buf.Reset()
	logger.Debug(context.Background(), "recordStats tick", map[string]interface{}{"endpoint": "vision-1"})
	require.Contains(t, buf.String(), "recordStats tick")
}

func TestLogger_Debug_SuppressedAboveDebugLevel(t *testing.T) {
	logger := New("master", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Debug(context.Background(), "should not appear", nil)
	require.Empty(t, buf.String())
}
