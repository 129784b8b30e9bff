package wire

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when unmarshalling from a short buffer
var ErrInsufficientData = errors.New("insufficient data for structure")

// MarshalCtrlMsg encodes a control-socket message into its 64-byte wire
// form. Multi-byte fields are little-endian; UUIDs are copied as-is.
func MarshalCtrlMsg(m *CtrlMsg) []byte {
	buf := make([]byte, CtrlMsgSize)

	binary.LittleEndian.PutUint32(buf[0:4], m.Type)
	binary.LittleEndian.PutUint32(buf[4:8], m.MsgID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Status))
	copy(buf[12:28], m.AppUUID[:])
	copy(buf[28:44], m.Channel.ChannelUUID[:])
	binary.LittleEndian.PutUint32(buf[44:48], m.Channel.RingSlots)
	binary.LittleEndian.PutUint32(buf[48:52], m.Channel.BufCount)

	return buf
}

// UnmarshalCtrlMsg decodes a control-socket message from its wire form
func UnmarshalCtrlMsg(data []byte, m *CtrlMsg) error {
	if len(data) < CtrlMsgSize {
		return ErrInsufficientData
	}

	m.Type = binary.LittleEndian.Uint32(data[0:4])
	m.MsgID = binary.LittleEndian.Uint32(data[4:8])
	m.Status = int32(binary.LittleEndian.Uint32(data[8:12]))
	copy(m.AppUUID[:], data[12:28])
	copy(m.Channel.ChannelUUID[:], data[28:44])
	m.Channel.RingSlots = binary.LittleEndian.Uint32(data[44:48])
	m.Channel.BufCount = binary.LittleEndian.Uint32(data[48:52])

	return nil
}
