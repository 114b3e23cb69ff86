// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"fmt"
)

// ONC RPC v2 message constants per RFC 5531.
const (
	rpcVersion = 2

	rpcMsgCall  = 0
	rpcMsgReply = 1

	rpcReplyAccepted = 0
	rpcReplyDenied   = 1

	rpcAcceptSuccess = 0

	rpcAuthNone = 0
)

// appendRPCCallHeader encodes an RPC CALL header with AUTH_NONE
// credentials and verifier. Procedure arguments follow the header.
func appendRPCCallHeader(enc *xdrEncoder, xid, prog, vers, proc uint32) {
	enc.Uint32(xid)
	enc.Uint32(rpcMsgCall)
	enc.Uint32(rpcVersion)
	enc.Uint32(prog)
	enc.Uint32(vers)
	enc.Uint32(proc)
	enc.Uint32(rpcAuthNone) // cred flavor
	enc.Uint32(0)           // cred length
	enc.Uint32(rpcAuthNone) // verf flavor
	enc.Uint32(0)           // verf length
}

// parseRPCReply validates an RPC reply message and returns the encoded
// procedure results. Only MSG_ACCEPTED replies with accept state SUCCESS
// are considered valid; every other reply state is surfaced as an error.
func parseRPCReply(msg []byte, wantXID uint32) ([]byte, error) {
	dec := newXDRDecoder(msg)

	xid, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if xid != wantXID {
		return nil, fmt.Errorf("lxi: rpc reply xid mismatch (got %#x, want %#x)", xid, wantXID)
	}

	mtype, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if mtype != rpcMsgReply {
		return nil, fmt.Errorf("lxi: unexpected rpc message type %d", mtype)
	}

	replyStat, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if replyStat != rpcReplyAccepted {
		return nil, fmt.Errorf("lxi: rpc call denied (reply state %d)", replyStat)
	}

	// Skip the verifier (flavor word plus opaque body).
	if _, err := dec.Uint32(); err != nil {
		return nil, err
	}
	verfLen, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if err := dec.Skip(int(verfLen)); err != nil {
		return nil, err
	}

	acceptStat, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if acceptStat != rpcAcceptSuccess {
		return nil, fmt.Errorf("lxi: rpc call failed (accept state %d)", acceptStat)
	}

	return dec.Rest(), nil
}
