package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

func doubleBits(f float64) uint64 { return math.Float64bits(f) }
func bitsDouble(b uint64) float64 { return math.Float64frombits(b) }

// The wire format is a compact length-prefixed binary encoding: a 1-byte
// message kind tag followed by fields in declaration order, strings and
// byte slices as a uint32 length prefix + raw bytes, floats as IEEE-754
// bits. This is hand-rolled rather than protobuf/gob because no example in
// the pack defines cluster wire messages with an off-the-shelf schema
// library — see DESIGN.md for the stdlib-only justification.

type wireKind uint8

const (
	kindBroadcast wireKind = iota + 1
	kindRequest
	kindResponse
)

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// EncodeBroadcast serializes a BroadcastMessage to the wire format.
func EncodeBroadcast(m *BroadcastMessage) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(kindBroadcast))
	writeString(&buf, m.NodeID)
	writeString(&buf, m.AppID)
	writeString(&buf, m.Channel)
	writeBytes(&buf, m.SerializedMessage)
	writeString(&buf, m.ExceptSocketID)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], doubleBits(m.TimestampMs))
	buf.Write(tsBuf[:])
	return buf.Bytes()
}

// DecodeBroadcast parses a wire-format BroadcastMessage.
func DecodeBroadcast(data []byte) (*BroadcastMessage, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if wireKind(kind) != kindBroadcast {
		return nil, fmt.Errorf("decode broadcast: unexpected kind %d", kind)
	}
	m := &BroadcastMessage{}
	if m.NodeID, err = readString(r); err != nil {
		return nil, err
	}
	if m.AppID, err = readString(r); err != nil {
		return nil, err
	}
	if m.Channel, err = readString(r); err != nil {
		return nil, err
	}
	if m.SerializedMessage, err = readBytes(r); err != nil {
		return nil, err
	}
	if m.ExceptSocketID, err = readString(r); err != nil {
		return nil, err
	}
	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return nil, err
	}
	m.TimestampMs = bitsDouble(binary.BigEndian.Uint64(tsBuf[:]))
	return m, nil
}

// EncodeRequest serializes a RequestBody to the wire format.
func EncodeRequest(req *RequestBody) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(kindRequest))
	writeString(&buf, req.RequestID)
	writeString(&buf, req.NodeID)
	writeString(&buf, req.AppID)
	buf.WriteByte(byte(req.RequestType))
	writeString(&buf, req.Channel)
	writeString(&buf, req.SocketID)
	writeString(&buf, req.UserID)
	return buf.Bytes()
}

// DecodeRequest parses a wire-format RequestBody.
func DecodeRequest(data []byte) (*RequestBody, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if wireKind(kind) != kindRequest {
		return nil, fmt.Errorf("decode request: unexpected kind %d", kind)
	}
	req := &RequestBody{}
	if req.RequestID, err = readString(r); err != nil {
		return nil, err
	}
	if req.NodeID, err = readString(r); err != nil {
		return nil, err
	}
	if req.AppID, err = readString(r); err != nil {
		return nil, err
	}
	rt, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	req.RequestType = RequestType(rt)
	if req.Channel, err = readString(r); err != nil {
		return nil, err
	}
	if req.SocketID, err = readString(r); err != nil {
		return nil, err
	}
	if req.UserID, err = readString(r); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeResponse serializes a ResponseBody to the wire format.
func EncodeResponse(resp *ResponseBody) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(kindResponse))
	writeString(&buf, resp.RequestID)
	writeString(&buf, resp.NodeID)
	writeString(&buf, resp.AppID)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(resp.Members)))
	buf.Write(countBuf[:])
	for uid, m := range resp.Members {
		writeString(&buf, uid)
		writeString(&buf, m.UserID)
		writeBytes(&buf, m.UserInfo)
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(resp.SocketIDs)))
	buf.Write(countBuf[:])
	for _, id := range resp.SocketIDs {
		writeString(&buf, id)
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(resp.SocketsCount))
	buf.Write(countBuf[:])

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(resp.ChannelsWithSocketsCount)))
	buf.Write(countBuf[:])
	for ch, n := range resp.ChannelsWithSocketsCount {
		writeString(&buf, ch)
		var nBuf [4]byte
		binary.BigEndian.PutUint32(nBuf[:], uint32(n))
		buf.Write(nBuf[:])
	}

	if resp.Exists {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(resp.Channels)))
	buf.Write(countBuf[:])
	for _, ch := range resp.Channels {
		writeString(&buf, ch)
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(resp.MembersCount))
	buf.Write(countBuf[:])

	return buf.Bytes()
}

// DecodeResponse parses a wire-format ResponseBody.
func DecodeResponse(data []byte) (*ResponseBody, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if wireKind(kind) != kindResponse {
		return nil, fmt.Errorf("decode response: unexpected kind %d", kind)
	}
	resp := &ResponseBody{}
	if resp.RequestID, err = readString(r); err != nil {
		return nil, err
	}
	if resp.NodeID, err = readString(r); err != nil {
		return nil, err
	}
	if resp.AppID, err = readString(r); err != nil {
		return nil, err
	}

	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	resp.Members = make(map[string]PresenceMemberWire, n)
	for i := uint32(0); i < n; i++ {
		uid, err := readString(r)
		if err != nil {
			return nil, err
		}
		memberUID, err := readString(r)
		if err != nil {
			return nil, err
		}
		info, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		resp.Members[uid] = PresenceMemberWire{UserID: memberUID, UserInfo: info}
	}

	n, err = readUint32(r)
	if err != nil {
		return nil, err
	}
	resp.SocketIDs = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := readString(r)
		if err != nil {
			return nil, err
		}
		resp.SocketIDs = append(resp.SocketIDs, id)
	}

	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	resp.SocketsCount = int(count)

	n, err = readUint32(r)
	if err != nil {
		return nil, err
	}
	resp.ChannelsWithSocketsCount = make(map[string]int, n)
	for i := uint32(0); i < n; i++ {
		ch, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		resp.ChannelsWithSocketsCount[ch] = int(v)
	}

	existsByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	resp.Exists = existsByte == 1

	n, err = readUint32(r)
	if err != nil {
		return nil, err
	}
	resp.Channels = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		ch, err := readString(r)
		if err != nil {
			return nil, err
		}
		resp.Channels = append(resp.Channels, ch)
	}

	count, err = readUint32(r)
	if err != nil {
		return nil, err
	}
	resp.MembersCount = int(count)

	return resp, nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
