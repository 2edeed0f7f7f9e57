package observability

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// MetricType is the single-letter type suffix the metrics relay expects.
type MetricType string

const (
	MetricCounter MetricType = "c"
	MetricTiming  MetricType = "ms"
	MetricGauge   MetricType = "g"
)

// Dimensions are prepended in order to every metric emitted through a
// Relay: habitat, service_name, instance_name, casper_version.
type Dimensions struct {
	Habitat       string
	ServiceName   string
	InstanceName  string
	CasperVersion string
}

func (d Dimensions) pairs() [][2]string {
	return [][2]string{
		{"habitat", d.Habitat},
		{"service_name", d.ServiceName},
		{"instance_name", d.InstanceName},
		{"casper_version", d.CasperVersion},
	}
}

// Relay writes metric lines to the legacy UDP metrics relay, one datagram
// per call. It opens its connection once at startup; write errors are
// logged by the caller and dropped, never blocking the request path.
type Relay struct {
	conn net.Conn
	dims Dimensions
}

// NewRelay dials the relay's UDP listener at addr ("host:port"). No
// handshake occurs: UDP dial only binds a local socket.
func NewRelay(addr string, dims Dimensions) (*Relay, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial metrics relay %s: %w", addr, err)
	}
	return &Relay{conn: conn, dims: dims}, nil
}

// Close releases the underlying UDP socket.
func (r *Relay) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Emit sends one metric line: `[["dim", "val"],...,["metric_name", "name"]]:value|type`.
func (r *Relay) Emit(name string, value float64, kind MetricType, extraDims ...[2]string) error {
	if r == nil || r.conn == nil {
		return nil
	}
	_, err := r.conn.Write([]byte(r.format(name, value, kind, extraDims)))
	return err
}

// Count emits a counter metric.
func (r *Relay) Count(name string, delta int64, extraDims ...[2]string) error {
	return r.Emit(name, float64(delta), MetricCounter, extraDims...)
}

// Timing emits a millisecond timing metric.
func (r *Relay) Timing(name string, d time.Duration, extraDims ...[2]string) error {
	return r.Emit(name, float64(d.Milliseconds()), MetricTiming, extraDims...)
}

// Gauge emits a gauge metric.
func (r *Relay) Gauge(name string, value float64, extraDims ...[2]string) error {
	return r.Emit(name, value, MetricGauge, extraDims...)
}

func (r *Relay) format(name string, value float64, kind MetricType, extraDims [][2]string) string {
	var b strings.Builder
	b.WriteByte('[')
	all := r.dims.pairs()
	all = append(all, extraDims...)
	all = append(all, [2]string{"metric_name", name})
	for i, pair := range all {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "[%q, %q]", pair[0], pair[1])
	}
	b.WriteByte(']')
	fmt.Fprintf(&b, ":%s|%s", formatValue(value), kind)
	return b.String()
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
