package observability

import (
	"fmt"
	"net"
	"os"
	"time"
)

// syslogPriority is the fixed <PRI> value the original sink used for
// these lines (PRI = facility*8 + severity: facility 8, severity 0).
const syslogPriority = 64

// Span is the set of fields a completed request span needs to emit a
// trace line to the zipkin syslog sink.
type Span struct {
	TraceID     string
	SpanID      string
	ParentID    string
	Flags       string
	Sampled     string
	Start       time.Time
	End         time.Time
	ClientIP    string
	CacheStatus string
	Method      string
	URI         string
}

// SyslogSink writes zipkin-style RFC5424-ish trace lines to a UDP
// listener, one datagram per completed span. It never blocks the
// request path: Close/Emit errors are the caller's to log and drop.
type SyslogSink struct {
	conn     net.Conn
	hostname string
	pid      int
}

// NewSyslogSink dials the zipkin syslog UDP listener at addr.
func NewSyslogSink(addr string) (*SyslogSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial zipkin syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	return &SyslogSink{conn: conn, hostname: hostname, pid: os.Getpid()}, nil
}

// Close releases the underlying UDP socket.
func (s *SyslogSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Emit writes one trace line for span.
func (s *SyslogSink) Emit(span Span) error {
	if s == nil || s.conn == nil {
		return nil
	}
	_, err := s.conn.Write([]byte(s.format(span)))
	return err
}

func (s *SyslogSink) format(span Span) string {
	ts := span.Start.UTC().Format("Jan _2 15:04:05")
	flags := orDash(span.Flags)
	sampled := orDash(span.Sampled)
	return fmt.Sprintf(
		"<%d>%s %s nginx_spectre[%d]: spectre/zipkin %s %s %s %s %s %d %d, client: %s, server: , cache_status: %s, request: \"%s %s HTTP/1.1\"",
		syslogPriority, ts, s.hostname, s.pid,
		span.TraceID, span.SpanID, span.ParentID, flags, sampled,
		span.Start.UnixMicro(), span.End.UnixMicro(),
		span.ClientIP, span.CacheStatus, span.Method, span.URI,
	)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
