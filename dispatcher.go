package rendez

import (
	"context"
)

// VersionRequest carries no fields; VERSION takes no input.
type VersionRequest struct{}

// VersionResponse reports the protocol version, mirroring STPLR_VERSION.
type VersionResponse struct {
	Major int32
	Minor int32
	Micro int32
}

// HandleGetRequest carries no fields; HANDLE_GET is keyed off the caller's
// own OS-thread identity.
type HandleGetRequest struct{}

// HandleGetResponse returns the freshly acquired Handle.
type HandleGetResponse struct {
	Handle Handle
}

// HandlePutRequest names the Handle to release.
type HandlePutRequest struct {
	Handle Handle
}

// SendRequest is the MSG_SEND request: the caller's handle, the
// destination's (pid, tid), and the send-phase buffers.
type SendRequest struct {
	Handle  Handle
	DestPID int
	DestTID int
	SMsgs   []*Msg
}

// SendReceiveRequest is the MSG_SEND_RECEIVE request.
type SendReceiveRequest struct {
	Handle  Handle
	DestPID int
	DestTID int
	SMsgs   []*Msg
	RMsgs   []*Msg
}

// ReceiveRequest is the MSG_RECEIVE request: the caller's handle and the
// buffers to receive into.
type ReceiveRequest struct {
	Handle Handle
	RMsgs  []*Msg
}

// ReceiveResponse reports the paired sender's identity and whether a
// REPLY is expected.
type ReceiveResponse struct {
	SenderPID     int
	SenderTID     int
	ReplyRequired bool
}

// ReplyRequest is the MSG_REPLY request: the caller's handle, the sender
// being replied to, and the reply-phase buffers.
type ReplyRequest struct {
	Handle    Handle
	SenderPID int
	SenderTID int
	RMsgs     []*Msg
}

// Dispatch validates req against op's expected shape and translates it into
// the matching Rendezvous call, kept intentionally thin: no buffering, no
// retries, no business logic beyond request-size validation.
func (d *Device) Dispatch(ctx context.Context, op Op, req any) (any, error) {
	switch op {
	case OpVersion:
		if _, ok := req.(VersionRequest); !ok && req != nil {
			return nil, NewError(op, ErrCodeInvalidArgument, "VERSION takes no request fields")
		}
		v := d.Version()
		return VersionResponse{Major: v.Major, Minor: v.Minor, Micro: v.Micro}, nil

	case OpHandleGet:
		if _, ok := req.(HandleGetRequest); !ok && req != nil {
			return nil, NewError(op, ErrCodeInvalidArgument, "HANDLE_GET takes no request fields")
		}
		h, err := d.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return HandleGetResponse{Handle: h}, nil

	case OpHandlePut:
		r, ok := req.(HandlePutRequest)
		if !ok {
			return nil, NewError(op, ErrCodeInvalidArgument, "malformed HANDLE_PUT request")
		}
		return nil, d.Release(r.Handle)

	case OpSend:
		r, ok := req.(SendRequest)
		if !ok {
			return nil, NewError(op, ErrCodeInvalidArgument, "malformed MSG_SEND request")
		}
		if err := validateMsgs(op, r.SMsgs); err != nil {
			return nil, err
		}
		return nil, d.Send(ctx, r.Handle, r.DestPID, r.DestTID, r.SMsgs)

	case OpSendReceive:
		r, ok := req.(SendReceiveRequest)
		if !ok {
			return nil, NewError(op, ErrCodeInvalidArgument, "malformed MSG_SEND_RECEIVE request")
		}
		if err := validateMsgs(op, r.SMsgs); err != nil {
			return nil, err
		}
		if err := validateMsgs(op, r.RMsgs); err != nil {
			return nil, err
		}
		return nil, d.SendReceive(ctx, r.Handle, r.DestPID, r.DestTID, r.SMsgs, r.RMsgs)

	case OpReceive:
		r, ok := req.(ReceiveRequest)
		if !ok {
			return nil, NewError(op, ErrCodeInvalidArgument, "malformed MSG_RECEIVE request")
		}
		if err := validateMsgs(op, r.RMsgs); err != nil {
			return nil, err
		}
		pid, tid, replyRequired, err := d.Receive(ctx, r.Handle, r.RMsgs)
		if err != nil {
			return nil, err
		}
		return ReceiveResponse{SenderPID: pid, SenderTID: tid, ReplyRequired: replyRequired}, nil

	case OpReply:
		r, ok := req.(ReplyRequest)
		if !ok {
			return nil, NewError(op, ErrCodeInvalidArgument, "malformed MSG_REPLY request")
		}
		if err := validateMsgs(op, r.RMsgs); err != nil {
			return nil, err
		}
		return nil, d.Reply(ctx, r.Handle, r.SenderPID, r.SenderTID, r.RMsgs)

	default:
		return nil, NewError(op, ErrCodeInvalidArgument, "unrecognized operation")
	}
}

func validateMsgs(op Op, msgs []*Msg) error {
	for _, m := range msgs {
		if m == nil {
			return NewError(op, ErrCodeInvalidArgument, "nil message descriptor")
		}
	}
	return nil
}
