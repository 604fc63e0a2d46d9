package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	r := New("test", false)
	r.ConnAccepted()
	r.ConnAccepted()
	r.ConnClosed(10, 20)
	r.AcceptError()
	r.Request("GET", 200, time.Millisecond)
	r.Request("GET", 404, time.Millisecond)
	r.Request("GET", 200, 2*time.Millisecond)
	r.ProtocolError()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.connsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.acceptErrors))
	assert.Equal(t, 10.0, testutil.ToFloat64(r.bytesRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.protoErrors))
}

func TestWriteText(t *testing.T) {
	r := New("", true)
	r.ConnAccepted()
	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "rio_tcp_connections_accepted_total 1")
	assert.Contains(t, out, "# TYPE rio_http_request_duration_seconds histogram")
	assert.Contains(t, out, "go_goroutines")
}

func TestWriteTextFiltered(t *testing.T) {
	r := New("test", false)
	r.Request("POST", 201, time.Millisecond)
	var buf bytes.Buffer
	require.NoError(t, r.WriteTextFiltered(&buf, NamePrefix("test_http_requests")))
	out := buf.String()
	assert.Contains(t, out, `test_http_requests_total{code="201",method="POST"} 1`)
	assert.NotContains(t, out, "test_tcp_")
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ConnAccepted()
		r.ConnClosed(1, 1)
		r.AcceptError()
		r.Request("GET", 200, 0)
		r.ProtocolError()
		require.NoError(t, r.WriteText(&bytes.Buffer{}))
	})
}
