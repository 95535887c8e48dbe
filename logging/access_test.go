package logging

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAccessWritesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{AccessLogOutput: &buf})

	req := httptest.NewRequest("GET", "/cart/items", nil)
	req.RemoteAddr = "192.0.2.1:4444"

	LogAccess(&AccessEntry{
		Request:       req,
		StatusCode:    200,
		ResponseSize:  42,
		Duration:      12 * time.Millisecond,
		CorrelationID: "abc-123",
		Service:       "cart",
	})

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))

	assert.Equal(t, "abc-123", fields["request-id"])
	assert.Equal(t, "cart", fields["service"])
	assert.Equal(t, "192.0.2.1", fields["host"])
	assert.Equal(t, float64(200), fields["status"])
}

func TestLogAccessPrefersForwardedFor(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{AccessLogOutput: &buf})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	LogAccess(&AccessEntry{Request: req, StatusCode: 404})

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "203.0.113.9", fields["host"])
}

func TestLoggingWriterDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	lw := NewLoggingWriter(rec)

	_, err := lw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 200, lw.GetCode())
	assert.Equal(t, int64(5), lw.GetBytes())
}
