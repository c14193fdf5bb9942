package uapi

import "unsafe"

// Version mirrors struct stplr_version, used by the VERSION command.
type Version struct {
	Major int32
	Minor int32
	Micro int32
}

var _ [12]byte = [unsafe.Sizeof(Version{})]byte{}

// Handle mirrors struct stplr_handle: the opaque per-thread identifier
// returned by HANDLE_GET and presented to every subsequent operation.
type Handle struct {
	UUID uint64
}

var _ [8]byte = [unsafe.Sizeof(Handle{})]byte{}

// Msg mirrors struct stplr_msg's wire-relevant field. stplr_msg also
// carries msgbuf (a userspace pointer); that address is meaningless across
// this module's wire boundary since there is no second address space on
// the other end of a Go function call, so only BufLen -- the dual-purpose
// capacity/transferred-length field -- is marshaled.
type Msg struct {
	BufLen uint32
}

var _ [4]byte = [unsafe.Sizeof(Msg{})]byte{}

// MsgSend mirrors struct stplr_msg_send.
type MsgSend struct {
	Handle Handle
	PID    int32
	TID    int32
	SMsgs  []Msg
}

// MsgSendReceive mirrors struct stplr_msg_send_receive.
type MsgSendReceive struct {
	Handle Handle
	PID    int32
	TID    int32
	SMsgs  []Msg
	RMsgs  []Msg
}

// MsgReceive mirrors struct stplr_msg_receive.
type MsgReceive struct {
	Handle        Handle
	PID           int32
	TID           int32
	ReplyRequired int32
	RMsgs         []Msg
}

// MsgReply mirrors struct stplr_msg_reply.
type MsgReply struct {
	Handle Handle
	PID    int32
	TID    int32
	RMsgs  []Msg
}
