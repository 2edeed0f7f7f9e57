package storage

import (
	"github.com/golang/snappy"
)

// Compression markers, following the one-byte-prefix scheme pattern: byte 0
// means the remaining bytes are stored as-is, byte 1 means the remaining
// bytes are snappy-compressed. Decompression always inspects this marker
// rather than relying on caller-supplied metadata, per spec §4.5/§6.
const (
	markerUncompressed byte = 0
	markerSnappy       byte = 1
)

// compressBody marks and, if body is at least threshold bytes, compresses
// it. A threshold of 0 or less compresses unconditionally.
func compressBody(body []byte, threshold int) []byte {
	if threshold > 0 && len(body) < threshold {
		out := make([]byte, 1+len(body))
		out[0] = markerUncompressed
		copy(out[1:], body)
		return out
	}
	compressed := snappy.Encode(nil, body)
	out := make([]byte, 1+len(compressed))
	out[0] = markerSnappy
	copy(out[1:], compressed)
	return out
}

// decompressBody inspects the marker byte and reverses compressBody.
func decompressBody(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	marker, payload := stored[0], stored[1:]
	switch marker {
	case markerUncompressed:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case markerSnappy:
		return snappy.Decode(nil, payload)
	default:
		// Unknown marker: treat the whole blob as uncompressed rather than
		// fail the read outright, since a body that merely happens to not
		// carry a recognized marker is still recoverable data.
		out := make([]byte, len(stored))
		copy(out, stored)
		return out, nil
	}
}
