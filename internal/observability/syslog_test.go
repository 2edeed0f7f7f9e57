package observability

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyslogSinkEmitFormat(t *testing.T) {
	packetConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer packetConn.Close()

	sink, err := NewSyslogSink(packetConn.LocalAddr().String())
	require.NoError(t, err)
	defer sink.Close()

	start := time.Now()
	require.NoError(t, sink.Emit(Span{
		TraceID:     "abc123",
		SpanID:      "def456",
		CacheStatus: "hit",
		Method:      "GET",
		URI:         "/biz/yelp-sf",
		Start:       start,
		End:         start.Add(5 * time.Millisecond),
		ClientIP:    "10.0.0.1",
	}))

	buf := make([]byte, 2048)
	packetConn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := packetConn.ReadFrom(buf)
	require.NoError(t, err)
	line := string(buf[:n])

	require.True(t, strings.HasPrefix(line, "<64>"))
	require.Contains(t, line, "spectre/zipkin abc123 def456  - - ")
	require.Contains(t, line, "cache_status: hit")
	require.Contains(t, line, `request: "GET /biz/yelp-sf HTTP/1.1"`)
}
