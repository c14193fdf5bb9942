// Package uapi mirrors the stplr kernel driver's wire layout (stplr.h): the
// struct shapes and ioctl numbers a cross-language caller (or a future
// shared-memory transport) would need to marshal requests/responses in the
// exact original byte layout, independent of the native Go API in the
// rendez package.
package uapi

// Protocol version constants, mirroring STPLR_VERSION_{MAJOR,MINOR,MICRO}.
const (
	VersionMajor int32 = 0
	VersionMinor int32 = 0
	VersionMicro int32 = 7
)

// Command numbers, mirroring stplr.h's STPLR_* ioctl definitions. These are
// opaque identifiers here -- there is no real ioctl multiplexer in this
// module -- kept only so a wire-format caller can
// address the same seven operations by the same numbers.
const (
	CmdVersion        = 42
	CmdHandleGet      = 43
	CmdHandlePut      = 44
	CmdMsgSend        = 45
	CmdMsgSendReceive = 46
	CmdMsgReceive     = 47
	CmdMsgReply       = 48
)

// CmdToString mirrors stplr_cmd_to_string, used by wire-format callers and
// diagnostic logging that want the kernel driver's command names.
func CmdToString(cmd int) string {
	switch cmd {
	case CmdVersion:
		return "STPLR_VERSION"
	case CmdHandleGet:
		return "STPLR_HANDLE_GET"
	case CmdHandlePut:
		return "STPLR_HANDLE_PUT"
	case CmdMsgSend:
		return "STPLR_MSG_SEND"
	case CmdMsgSendReceive:
		return "STPLR_MSG_SEND_RECEIVE"
	case CmdMsgReceive:
		return "STPLR_MSG_RECEIVE"
	case CmdMsgReply:
		return "STPLR_MSG_REPLY"
	default:
		return "STPLR_UNRECOGNIZED_COMMAND"
	}
}
