// Package wire implements the binary framing described in spec §6: the
// broker-variant audio-packet envelope, the multicast-variant datagram,
// timing packets, retransmit-request packets, and the worker command
// message. The identity-probe reply is built by internal/broker itself.
//
// No third-party messaging library in the example pack offers ZeroMQ-style
// ROUTER/PUB envelope routing over raw sockets with this wire shape, so
// framing here is hand-rolled over encoding/binary, matching
// the byte layout the original implementation used directly (see
// DESIGN.md).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayloadBytes is the hard cap on one encoded payload (§6).
const MaxPayloadBytes = 1486

// AudioFrame is the decoded form of the broker-variant audio packet body
// (after the routing envelope has been stripped off).
type AudioFrame struct {
	DecodedByteLength uint32
	ChannelCount      uint32
	Encoded           []byte
}

// EncodeAudioFrame serializes {decoded_byte_length, channel_count,
// encoded_payload}, all lengths in network byte order.
func EncodeAudioFrame(f AudioFrame) ([]byte, error) {
	if len(f.Encoded) > MaxPayloadBytes {
		return nil, fmt.Errorf("wire: encoded payload %d exceeds max %d", len(f.Encoded), MaxPayloadBytes)
	}
	out := make([]byte, 8+len(f.Encoded))
	binary.BigEndian.PutUint32(out[0:4], f.DecodedByteLength)
	binary.BigEndian.PutUint32(out[4:8], f.ChannelCount)
	copy(out[8:], f.Encoded)
	return out, nil
}

// DecodeAudioFrame parses the body written by EncodeAudioFrame.
func DecodeAudioFrame(b []byte) (AudioFrame, error) {
	if len(b) < 8 {
		return AudioFrame{}, errors.New("wire: audio frame too short")
	}
	f := AudioFrame{
		DecodedByteLength: binary.BigEndian.Uint32(b[0:4]),
		ChannelCount:      binary.BigEndian.Uint32(b[4:8]),
	}
	f.Encoded = append([]byte(nil), b[8:]...)
	if len(f.Encoded) > MaxPayloadBytes {
		return AudioFrame{}, fmt.Errorf("wire: encoded payload %d exceeds max %d", len(f.Encoded), MaxPayloadBytes)
	}
	return f, nil
}

// CommandType tags a worker command message.
type CommandType byte

const (
	CommandShutdown   CommandType = 1
	CommandClientList CommandType = 2
)

// EncodeCommand serializes {type, datalen (uint16, network byte order),
// data}.
func EncodeCommand(t CommandType, data []byte) ([]byte, error) {
	if len(data) > 0xFFFF {
		return nil, fmt.Errorf("wire: command payload %d exceeds uint16 range", len(data))
	}
	out := make([]byte, 3+len(data))
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(data)))
	copy(out[3:], data)
	return out, nil
}

// DecodeCommand parses a command message, returning its type and payload.
func DecodeCommand(b []byte) (CommandType, []byte, error) {
	if len(b) < 3 {
		return 0, nil, errors.New("wire: command too short")
	}
	t := CommandType(b[0])
	n := binary.BigEndian.Uint16(b[1:3])
	if len(b) < 3+int(n) {
		return 0, nil, errors.New("wire: command datalen exceeds buffer")
	}
	return t, append([]byte(nil), b[3:3+int(n)]...), nil
}

// EncodeClientList builds a ClientList command payload: a NUL-separated
// identity list terminated by an extra NUL byte.
func EncodeClientList(identities [][]byte) []byte {
	var out []byte
	for _, id := range identities {
		out = append(out, id...)
		out = append(out, 0)
	}
	out = append(out, 0)
	return out
}

// DecodeClientList parses a ClientList command payload back into identities.
func DecodeClientList(payload []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range payload {
		if b != 0 {
			continue
		}
		if i == start {
			break // the terminating empty segment
		}
		out = append(out, append([]byte(nil), payload[start:i]...))
		start = i + 1
	}
	return out
}

// EncodeTimingPing serializes the 8-byte sender timestamp.
func EncodeTimingPing(tTx int64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(tTx))
	return out
}

// DecodeTimingPing parses an 8-byte ping packet.
func DecodeTimingPing(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.New("wire: timing ping must be 8 bytes")
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// EncodeTimingPong serializes the 16-byte reply: echoed timestamp followed
// by the remote's current timestamp.
func EncodeTimingPong(tTxEcho, tRemote int64) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], uint64(tTxEcho))
	binary.BigEndian.PutUint64(out[8:16], uint64(tRemote))
	return out
}

// DecodeTimingPong parses the 16-byte timing reply.
func DecodeTimingPong(b []byte) (tTxEcho, tRemote int64, err error) {
	if len(b) != 16 {
		return 0, 0, errors.New("wire: timing pong must be 16 bytes")
	}
	return int64(binary.BigEndian.Uint64(b[0:8])), int64(binary.BigEndian.Uint64(b[8:16])), nil
}

// EncodeRetransmitRequest serializes the 8-byte timestamp being requested.
func EncodeRetransmitRequest(ts int64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(ts))
	return out
}

// DecodeRetransmitRequest parses an 8-byte retransmit-request packet.
func DecodeRetransmitRequest(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.New("wire: retransmit request must be 8 bytes")
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// MulticastChannel is one channel's payload slice within a multicast
// datagram.
type MulticastChannel struct {
	Payload []byte
}

// MulticastDatagram is the decoded form of the multicast-variant audio
// packet (§6): a native-endian timestamp, a channel range, a per-channel
// length table, and concatenated payloads.
type MulticastDatagram struct {
	PresentationTimestampNs int64
	ChannelOffset           uint16
	Channels                []MulticastChannel
}

// EncodeMulticastDatagram serializes a MulticastDatagram. Multi-byte header
// fields other than the timestamp follow network byte order for on-wire
// determinism; the timestamp is carried native-endian per §6 (little-endian
// on the target hardware this spec assumes).
func EncodeMulticastDatagram(d MulticastDatagram) ([]byte, error) {
	channelsIncluded := len(d.Channels)
	if channelsIncluded > 0xFFFF {
		return nil, fmt.Errorf("wire: %d channels exceeds uint16 range", channelsIncluded)
	}
	headerLen := 8 + 2 + 2 + 2*channelsIncluded
	total := headerLen
	for _, c := range d.Channels {
		total += len(c.Payload)
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint64(out[0:8], uint64(d.PresentationTimestampNs))
	binary.BigEndian.PutUint16(out[8:10], uint16(channelsIncluded))
	binary.BigEndian.PutUint16(out[10:12], d.ChannelOffset)

	lenTable := out[12:headerLen]
	payloadRegion := out[headerLen:]
	offset := 0
	for i, c := range d.Channels {
		binary.BigEndian.PutUint16(lenTable[2*i:2*i+2], uint16(len(c.Payload)))
		copy(payloadRegion[offset:], c.Payload)
		offset += len(c.Payload)
	}
	return out, nil
}

// DecodeMulticastDatagram parses a datagram written by EncodeMulticastDatagram.
func DecodeMulticastDatagram(b []byte) (MulticastDatagram, error) {
	if len(b) < 12 {
		return MulticastDatagram{}, errors.New("wire: multicast datagram too short")
	}
	ts := int64(binary.LittleEndian.Uint64(b[0:8]))
	channelsIncluded := int(binary.BigEndian.Uint16(b[8:10]))
	channelOffset := binary.BigEndian.Uint16(b[10:12])

	headerLen := 12 + 2*channelsIncluded
	if len(b) < headerLen {
		return MulticastDatagram{}, errors.New("wire: multicast datagram length table truncated")
	}
	lenTable := b[12:headerLen]
	payloadRegion := b[headerLen:]

	channels := make([]MulticastChannel, channelsIncluded)
	offset := 0
	for i := 0; i < channelsIncluded; i++ {
		n := int(binary.BigEndian.Uint16(lenTable[2*i : 2*i+2]))
		if offset+n > len(payloadRegion) {
			return MulticastDatagram{}, errors.New("wire: multicast datagram payload truncated")
		}
		channels[i] = MulticastChannel{Payload: append([]byte(nil), payloadRegion[offset:offset+n]...)}
		offset += n
	}

	return MulticastDatagram{
		PresentationTimestampNs: ts,
		ChannelOffset:           channelOffset,
		Channels:                channels,
	}, nil
}

// ChannelForIndex returns the payload for channelIdx given channelOffset, or
// ok=false if it falls outside the included range.
func (d MulticastDatagram) ChannelForIndex(channelIdx int) (payload []byte, ok bool) {
	i := channelIdx - int(d.ChannelOffset)
	if i < 0 || i >= len(d.Channels) {
		return nil, false
	}
	return d.Channels[i].Payload, true
}
