package wire

import (
	"encoding/binary"

	"github.com/wustus/vibes/internal/domain"
)

// TimePacketSize is the encoded size: one flag byte and five uint32s.
const TimePacketSize = 1 + 5*4

// TimePacket is exchanged with the coordinator's time server. Integers
// travel in network byte order.
type TimePacket struct {
	TimeRequest  bool // true asks for the agreed start time
	ReqTransTime uint32
	ReqRecvTime  uint32
	ResTransTime uint32
	ResRecvTime  uint32
	StartTime    uint32
}

// MarshalBinary encodes p into TimePacketSize bytes.
func (p TimePacket) MarshalBinary() ([]byte, error) {
	b := make([]byte, TimePacketSize)
	if p.TimeRequest {
		b[0] = 1
	}
	binary.BigEndian.PutUint32(b[1:], p.ReqTransTime)
	binary.BigEndian.PutUint32(b[5:], p.ReqRecvTime)
	binary.BigEndian.PutUint32(b[9:], p.ResTransTime)
	binary.BigEndian.PutUint32(b[13:], p.ResRecvTime)
	binary.BigEndian.PutUint32(b[17:], p.StartTime)
	return b, nil
}

// UnmarshalBinary decodes a packet. The length must match exactly.
func (p *TimePacket) UnmarshalBinary(b []byte) error {
	if len(b) != TimePacketSize {
		return domain.ErrMalformedPacket
	}
	p.TimeRequest = b[0] != 0
	p.ReqTransTime = binary.BigEndian.Uint32(b[1:])
	p.ReqRecvTime = binary.BigEndian.Uint32(b[5:])
	p.ResTransTime = binary.BigEndian.Uint32(b[9:])
	p.ResRecvTime = binary.BigEndian.Uint32(b[13:])
	p.StartTime = binary.BigEndian.Uint32(b[17:])
	return nil
}

// Sample extracts the four probe timestamps.
func (p TimePacket) Sample() domain.ClockSample {
	return domain.ClockSample{
		ReqSent: p.ReqTransTime,
		ReqRecv: p.ReqRecvTime,
		ResSent: p.ResTransTime,
		ResRecv: p.ResRecvTime,
	}
}
