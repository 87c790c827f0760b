// Package wire implements the datagram formats spoken between devices:
// textual "address::payload" frames, the tagged control messages carried
// inside them, and the fixed-layout binary time packet.
package wire

import (
	"fmt"
	"strings"

	"github.com/wustus/vibes/internal/domain"
)

// Delimiter separates the fields of a frame.
const Delimiter = "::"

// MaxFrameSize is the largest datagram a channel accepts. Receive buffers
// are sized to it, so a longer frame would be cut on the wire.
const MaxFrameSize = 1024

// EncodeFrame builds "<addr>::<payload>". Frames longer than MaxFrameSize
// are refused, never truncated.
func EncodeFrame(addr domain.DeviceAddress, payload string) ([]byte, error) {
	if addr == "" || strings.Contains(string(addr), Delimiter) {
		return nil, fmt.Errorf("encode frame %q: %w", addr, domain.ErrMalformedFrame)
	}
	n := len(addr) + len(Delimiter) + len(payload)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("encode frame for %s (%d > %d bytes): %w",
			addr, n, MaxFrameSize, domain.ErrMessageTooLarge)
	}
	b := make([]byte, 0, n)
	b = append(b, addr...)
	b = append(b, Delimiter...)
	b = append(b, payload...)
	return b, nil
}

// DecodeFrame splits a frame on the first delimiter. The payload may
// itself contain delimiters (game events do).
func DecodeFrame(b []byte) (domain.DeviceAddress, string, error) {
	s := string(b)
	idx := strings.Index(s, Delimiter)
	if idx <= 0 {
		return "", "", domain.ErrMalformedFrame
	}
	return domain.DeviceAddress(s[:idx]), s[idx+len(Delimiter):], nil
}

// Checksum16 is a Fletcher-style checksum: two running byte sums mod 255
// combined as (sum2<<8)|sum1. It only correlates acks with sends.
func Checksum16(payload string) uint16 {
	var sum1, sum2 uint16
	for i := 0; i < len(payload); i++ {
		sum1 = (sum1 + uint16(payload[i])) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
