package uapi

import "encoding/binary"

// MarshalError reports a wire-format marshal/unmarshal failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData MarshalError = "uapi: insufficient data for unmarshaling"

// MarshalVersion/UnmarshalVersion marshal struct stplr_version -- 12 bytes,
// three int32 fields, explicit encoding/binary per field rather than a
// reflection-based codec.
func MarshalVersion(v *Version) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Major))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(v.Minor))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(v.Micro))
	return buf
}

func UnmarshalVersion(data []byte, v *Version) error {
	if len(data) < 12 {
		return ErrInsufficientData
	}
	v.Major = int32(binary.LittleEndian.Uint32(data[0:4]))
	v.Minor = int32(binary.LittleEndian.Uint32(data[4:8]))
	v.Micro = int32(binary.LittleEndian.Uint32(data[8:12]))
	return nil
}

// MarshalHandle/UnmarshalHandle marshal struct stplr_handle -- 8 bytes.
func MarshalHandle(h *Handle) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h.UUID)
	return buf
}

func UnmarshalHandle(data []byte, h *Handle) error {
	if len(data) < 8 {
		return ErrInsufficientData
	}
	h.UUID = binary.LittleEndian.Uint64(data)
	return nil
}

// MarshalMsgs/UnmarshalMsgs marshal struct stplr_msgs: a 4-byte count
// prefix followed by count*4 bytes of per-buffer lengths.
func MarshalMsgs(msgs []Msg) []byte {
	buf := make([]byte, 4+4*len(msgs))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(msgs)))
	for i, m := range msgs {
		off := 4 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], m.BufLen)
	}
	return buf
}

func UnmarshalMsgs(data []byte) ([]Msg, error) {
	if len(data) < 4 {
		return nil, ErrInsufficientData
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	need := 4 + 4*int(count)
	if len(data) < need {
		return nil, ErrInsufficientData
	}
	msgs := make([]Msg, count)
	for i := range msgs {
		off := 4 + 4*i
		msgs[i].BufLen = binary.LittleEndian.Uint32(data[off : off+4])
	}
	return msgs, nil
}

// MarshalMsgSend/UnmarshalMsgSend marshal struct stplr_msg_send: handle,
// pid, tid, then the smsgs array.
func MarshalMsgSend(m *MsgSend) []byte {
	buf := make([]byte, 16)
	copy(buf[0:8], MarshalHandle(&m.Handle))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.TID))
	return append(buf, MarshalMsgs(m.SMsgs)...)
}

func UnmarshalMsgSend(data []byte) (*MsgSend, error) {
	if len(data) < 16 {
		return nil, ErrInsufficientData
	}
	m := &MsgSend{}
	if err := UnmarshalHandle(data[0:8], &m.Handle); err != nil {
		return nil, err
	}
	m.PID = int32(binary.LittleEndian.Uint32(data[8:12]))
	m.TID = int32(binary.LittleEndian.Uint32(data[12:16]))
	smsgs, err := UnmarshalMsgs(data[16:])
	if err != nil {
		return nil, err
	}
	m.SMsgs = smsgs
	return m, nil
}

// MarshalMsgSendReceive/UnmarshalMsgSendReceive marshal
// struct stplr_msg_send_receive: handle, pid, tid, smsgs, then rmsgs.
func MarshalMsgSendReceive(m *MsgSendReceive) []byte {
	buf := make([]byte, 16)
	copy(buf[0:8], MarshalHandle(&m.Handle))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.TID))
	buf = append(buf, MarshalMsgs(m.SMsgs)...)
	buf = append(buf, MarshalMsgs(m.RMsgs)...)
	return buf
}

func UnmarshalMsgSendReceive(data []byte) (*MsgSendReceive, error) {
	if len(data) < 16 {
		return nil, ErrInsufficientData
	}
	m := &MsgSendReceive{}
	if err := UnmarshalHandle(data[0:8], &m.Handle); err != nil {
		return nil, err
	}
	m.PID = int32(binary.LittleEndian.Uint32(data[8:12]))
	m.TID = int32(binary.LittleEndian.Uint32(data[12:16]))
	rest := data[16:]

	smsgs, err := UnmarshalMsgs(rest)
	if err != nil {
		return nil, err
	}
	m.SMsgs = smsgs
	rest = rest[4+4*len(smsgs):]

	rmsgs, err := UnmarshalMsgs(rest)
	if err != nil {
		return nil, err
	}
	m.RMsgs = rmsgs
	return m, nil
}

// MarshalMsgReceive/UnmarshalMsgReceive marshal struct stplr_msg_receive:
// handle, pid, tid, reply_required, then rmsgs.
func MarshalMsgReceive(m *MsgReceive) []byte {
	buf := make([]byte, 20)
	copy(buf[0:8], MarshalHandle(&m.Handle))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.TID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(m.ReplyRequired))
	return append(buf, MarshalMsgs(m.RMsgs)...)
}

func UnmarshalMsgReceive(data []byte) (*MsgReceive, error) {
	if len(data) < 20 {
		return nil, ErrInsufficientData
	}
	m := &MsgReceive{}
	if err := UnmarshalHandle(data[0:8], &m.Handle); err != nil {
		return nil, err
	}
	m.PID = int32(binary.LittleEndian.Uint32(data[8:12]))
	m.TID = int32(binary.LittleEndian.Uint32(data[12:16]))
	m.ReplyRequired = int32(binary.LittleEndian.Uint32(data[16:20]))
	rmsgs, err := UnmarshalMsgs(data[20:])
	if err != nil {
		return nil, err
	}
	m.RMsgs = rmsgs
	return m, nil
}

// MarshalMsgReply/UnmarshalMsgReply marshal struct stplr_msg_reply: handle,
// pid, tid, then rmsgs.
func MarshalMsgReply(m *MsgReply) []byte {
	buf := make([]byte, 16)
	copy(buf[0:8], MarshalHandle(&m.Handle))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.PID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.TID))
	return append(buf, MarshalMsgs(m.RMsgs)...)
}

func UnmarshalMsgReply(data []byte) (*MsgReply, error) {
	if len(data) < 16 {
		return nil, ErrInsufficientData
	}
	m := &MsgReply{}
	if err := UnmarshalHandle(data[0:8], &m.Handle); err != nil {
		return nil, err
	}
	m.PID = int32(binary.LittleEndian.Uint32(data[8:12]))
	m.TID = int32(binary.LittleEndian.Uint32(data[12:16]))
	rmsgs, err := UnmarshalMsgs(data[16:])
	if err != nil {
		return nil, err
	}
	m.RMsgs = rmsgs
	return m, nil
}
