package rendez

import (
	"context"

	"github.com/behrlich/rendez/internal/uapi"
)

// DispatchWire is the wire-format ingress to the Dispatcher: cmd and
// payload carry the stplr.h byte layout from internal/uapi, and bufs
// supplies the per-message memory windows standing in for the userspace
// pointers of the original layout (a raw pointer cannot cross this wire;
// see uapi.Msg). Buffers are consumed in wire order, send windows before
// reply windows for MSG_SEND_RECEIVE. The returned bytes are the request
// structure re-marshaled with its response fields filled in -- every
// dual-purpose buflen updated, plus sender identity and reply_required for
// MSG_RECEIVE -- or nil for operations with no response body.
func (d *Device) DispatchWire(ctx context.Context, cmd int, payload []byte, bufs ...[]byte) ([]byte, error) {
	switch cmd {
	case uapi.CmdVersion:
		resp, err := d.Dispatch(ctx, OpVersion, VersionRequest{})
		if err != nil {
			return nil, err
		}
		v := resp.(VersionResponse)
		return uapi.MarshalVersion(&uapi.Version{Major: v.Major, Minor: v.Minor, Micro: v.Micro}), nil

	case uapi.CmdHandleGet:
		resp, err := d.Dispatch(ctx, OpHandleGet, HandleGetRequest{})
		if err != nil {
			return nil, err
		}
		h := resp.(HandleGetResponse).Handle
		return uapi.MarshalHandle(&uapi.Handle{UUID: h.UUID()}), nil

	case uapi.CmdHandlePut:
		var wh uapi.Handle
		if err := uapi.UnmarshalHandle(payload, &wh); err != nil {
			return nil, NewError(OpHandlePut, ErrCodeInvalidArgument, err.Error())
		}
		_, err := d.Dispatch(ctx, OpHandlePut, HandlePutRequest{Handle: d.handleFromUUID(wh.UUID)})
		return nil, err

	case uapi.CmdMsgSend:
		req, err := uapi.UnmarshalMsgSend(payload)
		if err != nil {
			return nil, NewError(OpSend, ErrCodeInvalidArgument, err.Error())
		}
		smsgs, _, err := wireMsgs(OpSend, req.SMsgs, bufs)
		if err != nil {
			return nil, err
		}
		if _, err := d.Dispatch(ctx, OpSend, SendRequest{
			Handle:  d.handleFromUUID(req.Handle.UUID),
			DestPID: int(req.PID),
			DestTID: int(req.TID),
			SMsgs:   smsgs,
		}); err != nil {
			return nil, err
		}
		storeWireLens(req.SMsgs, smsgs)
		return uapi.MarshalMsgSend(req), nil

	case uapi.CmdMsgSendReceive:
		req, err := uapi.UnmarshalMsgSendReceive(payload)
		if err != nil {
			return nil, NewError(OpSendReceive, ErrCodeInvalidArgument, err.Error())
		}
		smsgs, rest, err := wireMsgs(OpSendReceive, req.SMsgs, bufs)
		if err != nil {
			return nil, err
		}
		rmsgs, _, err := wireMsgs(OpSendReceive, req.RMsgs, rest)
		if err != nil {
			return nil, err
		}
		if _, err := d.Dispatch(ctx, OpSendReceive, SendReceiveRequest{
			Handle:  d.handleFromUUID(req.Handle.UUID),
			DestPID: int(req.PID),
			DestTID: int(req.TID),
			SMsgs:   smsgs,
			RMsgs:   rmsgs,
		}); err != nil {
			return nil, err
		}
		storeWireLens(req.SMsgs, smsgs)
		storeWireLens(req.RMsgs, rmsgs)
		return uapi.MarshalMsgSendReceive(req), nil

	case uapi.CmdMsgReceive:
		req, err := uapi.UnmarshalMsgReceive(payload)
		if err != nil {
			return nil, NewError(OpReceive, ErrCodeInvalidArgument, err.Error())
		}
		rmsgs, _, err := wireMsgs(OpReceive, req.RMsgs, bufs)
		if err != nil {
			return nil, err
		}
		resp, err := d.Dispatch(ctx, OpReceive, ReceiveRequest{
			Handle: d.handleFromUUID(req.Handle.UUID),
			RMsgs:  rmsgs,
		})
		if err != nil {
			return nil, err
		}
		rr := resp.(ReceiveResponse)
		req.PID = int32(rr.SenderPID)
		req.TID = int32(rr.SenderTID)
		req.ReplyRequired = 0
		if rr.ReplyRequired {
			req.ReplyRequired = 1
		}
		storeWireLens(req.RMsgs, rmsgs)
		return uapi.MarshalMsgReceive(req), nil

	case uapi.CmdMsgReply:
		req, err := uapi.UnmarshalMsgReply(payload)
		if err != nil {
			return nil, NewError(OpReply, ErrCodeInvalidArgument, err.Error())
		}
		rmsgs, _, err := wireMsgs(OpReply, req.RMsgs, bufs)
		if err != nil {
			return nil, err
		}
		if _, err := d.Dispatch(ctx, OpReply, ReplyRequest{
			Handle:    d.handleFromUUID(req.Handle.UUID),
			SenderPID: int(req.PID),
			SenderTID: int(req.TID),
			RMsgs:     rmsgs,
		}); err != nil {
			return nil, err
		}
		storeWireLens(req.RMsgs, rmsgs)
		return uapi.MarshalMsgReply(req), nil

	default:
		return nil, NewError(OpUnknown, ErrCodeInvalidArgument, "unrecognized command "+uapi.CmdToString(cmd))
	}
}

// handleFromUUID reconstructs the native handle from its opaque wire value:
// the tid lives in the uuid's low 20 bits and the nonce above them (see
// Handle.UUID). The pid is the wire caller's own, resolved the same way
// Acquire resolved it -- it never crosses the wire, exactly as a device
// node derives the caller's process from the open file, not from request
// bytes.
func (d *Device) handleFromUUID(uuid uint64) Handle {
	return Handle{
		pid:   d.pidFunc(),
		tid:   int(uuid & 0xFFFFF),
		nonce: uuid >> 20,
	}
}

// wireMsgs pairs each wire descriptor with its caller-supplied memory
// window, clamping the window to the descriptor's buflen, and returns the
// unconsumed buffers for a second array in the same payload.
func wireMsgs(op Op, descs []uapi.Msg, bufs [][]byte) ([]*Msg, [][]byte, error) {
	if len(bufs) < len(descs) {
		return nil, nil, NewError(op, ErrCodeInvalidArgument, "fewer buffers than wire descriptors")
	}
	msgs := make([]*Msg, len(descs))
	for i, desc := range descs {
		buf := bufs[i]
		if int(desc.BufLen) > len(buf) {
			return nil, nil, NewError(op, ErrCodeInvalidArgument, "wire buflen exceeds supplied buffer")
		}
		msgs[i] = &Msg{Buf: buf[:desc.BufLen]}
	}
	return msgs, bufs[len(descs):], nil
}

// storeWireLens publishes the transferred byte counts back into the wire
// descriptors' dual-purpose buflen fields.
func storeWireLens(descs []uapi.Msg, msgs []*Msg) {
	for i := range descs {
		descs[i].BufLen = uint32(msgs[i].N)
	}
}
