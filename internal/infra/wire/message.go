package wire

import (
	"strconv"
	"strings"

	"github.com/wustus/vibes/internal/domain"
)

// Kind tags a control message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindProbe
	KindBuddy
	KindAck
	KindChlg
	KindAcc
	KindDec
	KindReady
	KindMaster
	KindGameEvent
	KindMove
)

// String returns the message kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "probe"
	case KindBuddy:
		return "buddy"
	case KindAck:
		return "ack"
	case KindChlg:
		return "chlg"
	case KindAcc:
		return "acc"
	case KindDec:
		return "dec"
	case KindReady:
		return "ready"
	case KindMaster:
		return "master"
	case KindGameEvent:
		return "game_event"
	case KindMove:
		return "move"
	default:
		return "unknown"
	}
}

// GameStatus is the status field of a game event.
type GameStatus string

const (
	StatusGame GameStatus = "GAME" // match started
	StatusWin  GameStatus = "WIN"  // source beat opponent
	StatusLose GameStatus = "LOSE" // source lost to opponent
	StatusWait GameStatus = "WAIT" // source is waiting for a challenge
)

func (s GameStatus) valid() bool {
	switch s {
	case StatusGame, StatusWin, StatusLose, StatusWait:
		return true
	}
	return false
}

// GameEvent is the "<source>::<opponent>::<status>" announcement.
type GameEvent struct {
	Source   domain.DeviceAddress
	Opponent domain.DeviceAddress
	Status   GameStatus
}

// Message is one decoded control message.
type Message struct {
	Kind     Kind
	Checksum uint16    // KindAck
	Move     int16     // KindMove
	Event    GameEvent // KindGameEvent
	Raw      string    // KindUnknown
}

// SearchTarget is the SSDP ST header that marks our own probes. Other
// SSDP traffic on the group decodes as KindUnknown.
const SearchTarget = "urn:vibes:device"

// ProbeText is the multicast discovery probe.
const ProbeText = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"ST: " + SearchTarget + "\r\n" +
	"MX: 3\r\n" +
	"\r\n"

const (
	tokBuddy  = "BUDDY"
	tokChlg   = "CHLG"
	tokAcc    = "ACC"
	tokDec    = "DEC"
	tokReady  = "READY"
	tokMaster = "MASTER"
	tokMove   = "MOVE "
)

func Probe() Message     { return Message{Kind: KindProbe} }
func Buddy() Message     { return Message{Kind: KindBuddy} }
func Challenge() Message { return Message{Kind: KindChlg} }
func Accept() Message    { return Message{Kind: KindAcc} }
func Decline() Message   { return Message{Kind: KindDec} }
func Ready() Message     { return Message{Kind: KindReady} }
func Master() Message    { return Message{Kind: KindMaster} }

// Ack acknowledges the payload whose checksum is sum.
func Ack(sum uint16) Message { return Message{Kind: KindAck, Checksum: sum} }

// Move carries one board move.
func Move(n int16) Message { return Message{Kind: KindMove, Move: n} }

// Event builds a game announcement.
func Event(source, opponent domain.DeviceAddress, status GameStatus) Message {
	return Message{Kind: KindGameEvent, Event: GameEvent{Source: source, Opponent: opponent, Status: status}}
}

// IsAck reports whether m is an acknowledgement. Acks are never acked.
func (m Message) IsAck() bool { return m.Kind == KindAck }

// Encode returns the payload text for m.
func (m Message) Encode() string {
	switch m.Kind {
	case KindProbe:
		return ProbeText
	case KindBuddy:
		return tokBuddy
	case KindAck:
		return strconv.FormatUint(uint64(m.Checksum), 10)
	case KindChlg:
		return tokChlg
	case KindAcc:
		return tokAcc
	case KindDec:
		return tokDec
	case KindReady:
		return tokReady
	case KindMaster:
		return tokMaster
	case KindMove:
		return tokMove + strconv.Itoa(int(m.Move))
	case KindGameEvent:
		return string(m.Event.Source) + Delimiter + string(m.Event.Opponent) + Delimiter + string(m.Event.Status)
	default:
		return m.Raw
	}
}

// ParseMessage decodes a payload. Anything it does not recognise comes
// back as KindUnknown with the payload in Raw.
func ParseMessage(payload string) Message {
	switch payload {
	case tokBuddy:
		return Buddy()
	case tokChlg:
		return Challenge()
	case tokAcc:
		return Accept()
	case tokDec:
		return Decline()
	case tokReady:
		return Ready()
	case tokMaster:
		return Master()
	}

	if strings.HasPrefix(payload, "M-SEARCH") {
		if strings.Contains(payload, "ST: "+SearchTarget) {
			return Probe()
		}
		return Message{Kind: KindUnknown, Raw: payload}
	}

	if rest, ok := strings.CutPrefix(payload, tokMove); ok {
		n, err := strconv.ParseInt(rest, 10, 16)
		if err == nil {
			return Move(int16(n))
		}
		return Message{Kind: KindUnknown, Raw: payload}
	}

	if isDigits(payload) {
		n, err := strconv.ParseUint(payload, 10, 16)
		if err == nil {
			return Ack(uint16(n))
		}
	}

	if parts := strings.Split(payload, Delimiter); len(parts) == 3 {
		status := GameStatus(parts[2])
		if parts[0] != "" && parts[1] != "" && status.valid() {
			return Event(domain.DeviceAddress(parts[0]), domain.DeviceAddress(parts[1]), status)
		}
	}

	return Message{Kind: KindUnknown, Raw: payload}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
