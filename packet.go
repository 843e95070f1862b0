package sioengine

import (
	"strconv"
	"strings"
)

// PacketType represents protocol packet types
type PacketType int

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeConnectError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// DefaultNamespace is the namespace used when none is given.
const DefaultNamespace = "/"

const (
	// maxAttachmentDigits bounds the attachment-count prefix. Anything
	// longer is rejected as a malformed frame.
	maxAttachmentDigits = 10
	// maxAckIDDigits bounds the ack id segment to what fits in a uint64.
	maxAckIDDigits = 18
)

// Packet represents a protocol packet
type Packet struct {
	Type      PacketType
	Namespace string
	Data      any
	ID        *uint64

	attachmentCount int
	attachments     [][]byte
}

// AttachmentCount returns the number of binary attachments the packet
// declared on the wire.
func (p *Packet) AttachmentCount() int {
	return p.attachmentCount
}

// NeedsAttachments reports whether decoding is still waiting for binary
// attachment frames.
func (p *Packet) NeedsAttachments() bool {
	return p.attachmentCount > len(p.attachments)
}

// AddAttachment supplies one raw binary frame to a partially decoded
// binary packet. It returns true once the declared attachment count has
// been consumed and every placeholder has been substituted. Adding an
// attachment beyond the declared count is a protocol error.
func (p *Packet) AddAttachment(data []byte) (bool, error) {
	if len(p.attachments) >= p.attachmentCount {
		return false, protocolErrorf("received attachment frame beyond the declared count of %d", p.attachmentCount)
	}
	p.attachments = append(p.attachments, data)
	if len(p.attachments) < p.attachmentCount {
		return false, nil
	}
	p.Data = reconstructBinary(p.Data, p.attachments)
	p.attachments = nil
	return true, nil
}

// Frame is one transport-level frame produced by encoding a packet. A
// packet without binary data encodes to a single text frame; binary data
// adds one raw frame per attachment after the text frame.
type Frame struct {
	Binary bool
	Data   []byte
}

// Codec performs stateless conversion between packets and frames. The
// zero value is not usable; construct with NewCodec.
type Codec struct {
	serializer Serializer
}

// NewCodec creates a codec using the given payload serializer. A nil
// serializer selects JSONSerializer.
func NewCodec(s Serializer) *Codec {
	if s == nil {
		s = JSONSerializer{}
	}
	return &Codec{serializer: s}
}

// Encode converts a packet to its frame representation. The first frame
// is always the text frame; binary payload leaves follow as raw frames
// in discovery order.
func (c *Codec) Encode(p *Packet) ([]Frame, error) {
	typ := p.Type
	data := p.Data
	var attachments [][]byte

	if hasBinary(data) {
		switch typ {
		case PacketTypeEvent, PacketTypeBinaryEvent:
			typ = PacketTypeBinaryEvent
		case PacketTypeAck, PacketTypeBinaryAck:
			typ = PacketTypeBinaryAck
		default:
			return nil, protocolErrorf("packet type %s cannot carry binary data", typ)
		}
		data, attachments = deconstructBinary(data)
	}

	var builder strings.Builder

	// Packet type
	builder.WriteString(strconv.Itoa(int(typ)))

	// Attachment count for binary packets
	if typ == PacketTypeBinaryEvent || typ == PacketTypeBinaryAck {
		builder.WriteString(strconv.Itoa(len(attachments)))
		builder.WriteByte('-')
	}

	// Namespace (if not default)
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		builder.WriteString(p.Namespace)
		builder.WriteByte(',')
	}

	// Ack ID
	if p.ID != nil {
		builder.WriteString(strconv.FormatUint(*p.ID, 10))
	}

	// Data
	if data != nil {
		payload, err := c.serializer.Marshal(data)
		if err != nil {
			return nil, protocolErrorf("failed to marshal packet data: %v", err)
		}
		builder.Write(payload)
	}

	frames := make([]Frame, 0, 1+len(attachments))
	frames = append(frames, Frame{Data: []byte(builder.String())})
	for _, a := range attachments {
		frames = append(frames, Frame{Binary: true, Data: a})
	}
	return frames, nil
}

// Decode parses a text frame into a packet. For binary packet types the
// caller must supply AttachmentCount raw frames through AddAttachment
// before the packet data is complete.
func (c *Codec) Decode(frame []byte) (*Packet, error) {
	data := string(frame)
	if len(data) == 0 {
		return nil, protocolErrorf("empty packet")
	}

	packet := &Packet{
		Namespace: DefaultNamespace,
	}

	pos := 0

	// Parse packet type
	if data[pos] < '0' || data[pos] > '6' {
		return nil, protocolErrorf("invalid packet type: %c", data[pos])
	}
	packet.Type = PacketType(data[pos] - '0')
	pos++

	// Parse attachment count. The prefix is only present when the digits
	// run straight into a dash; a dash later inside the payload is not
	// a count separator.
	if packet.Type == PacketTypeBinaryEvent || packet.Type == PacketTypeBinaryAck {
		dash := strings.IndexByte(data[pos:], '-')
		if dash > 0 && allDigits(data[pos:pos+dash]) {
			if dash > maxAttachmentDigits {
				return nil, protocolErrorf("attachment count prefix exceeds %d digits", maxAttachmentDigits)
			}
			count, err := strconv.Atoi(data[pos : pos+dash])
			if err != nil {
				return nil, protocolErrorf("invalid attachment count: %v", err)
			}
			packet.attachmentCount = count
			pos += dash + 1
		}
	}

	if pos >= len(data) {
		return packet, nil
	}

	// Parse namespace
	if data[pos] == '/' {
		end := strings.IndexByte(data[pos:], ',')
		var ns string
		if end == -1 {
			ns = data[pos:]
			pos = len(data)
		} else {
			ns = data[pos : pos+end]
			pos += end + 1
		}
		// Some clients mistakenly attach the query string to the
		// namespace token.
		if q := strings.IndexByte(ns, '?'); q != -1 {
			ns = ns[:q]
		}
		packet.Namespace = ns
	}

	if pos >= len(data) {
		return packet, nil
	}

	// Parse ack ID
	if data[pos] >= '0' && data[pos] <= '9' {
		end := pos
		for end < len(data) && data[end] >= '0' && data[end] <= '9' {
			end++
		}
		if end-pos > maxAckIDDigits {
			return nil, protocolErrorf("ack id segment exceeds %d digits", maxAckIDDigits)
		}
		id, err := strconv.ParseUint(data[pos:end], 10, 64)
		if err != nil {
			return nil, protocolErrorf("invalid ack id: %v", err)
		}
		packet.ID = &id
		pos = end
	}

	// Parse data
	if pos < len(data) {
		if err := c.serializer.Unmarshal([]byte(data[pos:]), &packet.Data); err != nil {
			return nil, protocolErrorf("failed to unmarshal packet data: %v", err)
		}
	}

	return packet, nil
}

func allDigits(s string) bool {
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

// String returns the packet type as a string
func (pt PacketType) String() string {
	switch pt {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeConnectError:
		return "connect_error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	default:
		return "unknown"
	}
}
