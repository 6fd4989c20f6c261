package sip

import (
	"fmt"
)

// MakeDialogID builds an internal map key for a dialog from its Call-ID and
// tag pair (RFC 3261 §12.1). Each role keys its cache consistently:
// a UAS stores the To-tag-first ID of the INVITE it received and every later
// in-dialog request it receives produces the same ordering; a UAC stores the
// To-tag-first ID of the 2xx it received and matches later incoming requests
// with the tags swapped (their From is our To).
func MakeDialogID(callID, toTag, fromTag string) string {
	return DialogIDMake(callID, toTag, fromTag)
}

// UASReadRequestDialogID reads the dialog ID of an incoming request:
// To tag first, From tag second.
func UASReadRequestDialogID(req *Request) (string, error) {
	var callID, toTag, fromTag string
	if err := getDialogIDFromMessage(req, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return MakeDialogID(callID, toTag, fromTag), nil
}

// MakeDialogIDFromResponse reads the dialog ID of a response, To tag first.
func MakeDialogIDFromResponse(res *Response) (string, error) {
	var callID, toTag, fromTag string
	if err := getDialogIDFromMessage(res, &callID, &toTag, &fromTag); err != nil {
		return "", err
	}
	return MakeDialogID(callID, toTag, fromTag), nil
}

// MakeDialogIDFromMessage dispatches to the request or response variant.
// Used where a handler deals with generic sip.Message (e.g. a dialog-aware
// middleware that sees both legs).
func MakeDialogIDFromMessage(m Message) (string, error) {
	switch msg := m.(type) {
	case *Request:
		return UASReadRequestDialogID(msg)
	case *Response:
		return MakeDialogIDFromResponse(msg)
	default:
		return "", fmt.Errorf("unsupported message type %T", m)
	}
}

// NewAckRequest builds the ACK for a 2xx response to INVITE (RFC 3261
// §13.2.2.4). Unlike the non-2xx ACK absorbed by the transaction, this one
// is constructed and sent by the dialog layer directly: new branch, route
// set taken from the response's Record-Route set (reversed) when the
// request carried none of its own.
func NewAckRequest(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	recipient := &inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = &cont.Address
	}

	ack := NewRequest(ACK, *recipient.Clone())
	ack.SipVersion = inviteRequest.SipVersion

	via := inviteRequest.Via()
	branch := GenerateBranch()
	newVia := &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       inviteRequest.Transport(),
		Params:          NewParams(),
	}
	if via != nil {
		newVia.Host = via.Host
		newVia.Port = via.Port
	}
	newVia.Params.Add("branch", branch)
	ack.AppendHeader(newVia)

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		CopyHeaders("Route", inviteRequest, ack)
	} else {
		hdrs := inviteResponse.GetHeaders("Record-Route")
		for i := len(hdrs) - 1; i >= 0; i-- {
			ack.AppendHeader(NewHeader("Route", hdrs[i].Value()))
		}
	}

	maxForwards := MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	if h := inviteRequest.From(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := inviteResponse.To(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CallID(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CSeq(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	cseq := ack.CSeq()
	cseq.MethodName = ACK

	ack.SetBody(body)
	ack.SetTransport(inviteRequest.Transport())
	ack.SetSource(inviteRequest.Source())
	ack.SetDestination(inviteResponse.Source())
	return ack
}

// NewCancelRequest builds the CANCEL for an in-flight INVITE request per
// RFC 3261 §9.1: same Request-URI, Call-ID, From, To (no tag), CSeq number,
// and top Via (so it shares the INVITE's branch and is matched to it as a
// sibling transaction), method CANCEL, CSeq method CANCEL, no body.
func NewCancelRequest(inviteRequest *Request) *Request {
	return newCancelRequest(inviteRequest)
}
