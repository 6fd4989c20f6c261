package sipgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siptx/sip"
)

func testDialogInvite(t testing.TB) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.net"})
	invite.AppendHeader(sip.NewHeader("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch="+sip.GenerateBranch()))
	invite.AppendHeader(sip.NewHeader("From", "<sip:alice@example.com>;tag=a-tag"))
	invite.AppendHeader(sip.NewHeader("To", "<sip:bob@example.net>"))
	invite.AppendHeader(sip.NewHeader("Call-ID", "c1"))
	invite.AppendHeader(sip.NewHeader("CSeq", "1 INVITE"))
	invite.AppendHeader(sip.NewHeader("Contact", "<sip:alice@192.0.2.1>"))
	invite.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return invite
}

func testDialogResponse(t testing.TB, invite *sip.Request, code sip.StatusCode, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(invite, code, reason, nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", "b-tag")
	}
	res.AppendHeader(sip.NewHeader("Contact", "<sip:bob@192.0.2.4>"))
	return res
}

func TestDialogFromResponseUAC(t *testing.T) {
	invite := testDialogInvite(t)
	res := testDialogResponse(t, invite, 200, "OK")
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:r1.com;lr>"))
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:r2.com;lr>"))

	d, err := NewDialogFromResponse(invite, res, true)
	require.NoError(t, err)

	assert.Equal(t, sip.DialogStateConfirmed, d.LoadState())

	callID, localTag, remoteTag, ok := d.DialogIDTuple()
	require.True(t, ok)
	assert.Equal(t, "c1", callID)
	assert.Equal(t, "a-tag", localTag)
	assert.Equal(t, "b-tag", remoteTag)

	target := d.RemoteTarget()
	assert.Equal(t, "sip:bob@192.0.2.4", target.String())

	// Record-Route order r1, r2 must be reversed for the UAC
	routes := d.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "r2.com", routes[0].Host)
	assert.Equal(t, "r1.com", routes[1].Host)

	assert.EqualValues(t, 1, d.CSEQ())
}

func TestDialogFromResponseMissingPrerequisites(t *testing.T) {
	invite := testDialogInvite(t)

	t.Run("no To tag", func(t *testing.T) {
		res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
		res.To().Params.Remove("tag")
		res.AppendHeader(sip.NewHeader("Contact", "<sip:bob@192.0.2.4>"))
		_, err := NewDialogFromResponse(invite, res, true)
		require.ErrorIs(t, err, ErrDialogNoToTag)
	})

	t.Run("2xx without Contact", func(t *testing.T) {
		res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
		res.To().Params.Add("tag", "b-tag")
		_, err := NewDialogFromResponse(invite, res, true)
		require.ErrorIs(t, err, ErrDialogInviteNoContact)
	})
}

func TestDialogEarlyToConfirmed(t *testing.T) {
	invite := testDialogInvite(t)
	ringing := testDialogResponse(t, invite, 180, "Ringing")

	d, err := NewDialogFromResponse(invite, ringing, true)
	require.NoError(t, err)
	assert.Equal(t, sip.DialogStateEarly, d.LoadState())

	_, _, remoteTag, ok := d.DialogIDTuple()
	require.True(t, ok)
	assert.Equal(t, "b-tag", remoteTag)

	ok200 := testDialogResponse(t, invite, 200, "OK")
	require.NoError(t, d.UpdateFromResponse(ok200))
	assert.Equal(t, sip.DialogStateConfirmed, d.LoadState())
}

func TestDialogBuildRequest(t *testing.T) {
	invite := testDialogInvite(t)
	res := testDialogResponse(t, invite, 200, "OK")
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:r1.com;lr>"))
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:r2.com;lr>"))

	d, err := NewDialogFromResponse(invite, res, true)
	require.NoError(t, err)

	bye, err := d.BuildRequest(sip.BYE)
	require.NoError(t, err)

	assert.Equal(t, "sip:bob@192.0.2.4", bye.Recipient.String())
	assert.Equal(t, "2 BYE", bye.CSeq().Value())

	fromTag, _ := bye.From().Params.Get("tag")
	toTag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, "a-tag", fromTag)
	assert.Equal(t, "b-tag", toTag)
	assert.Equal(t, "c1", bye.CallID().Value())

	routes := bye.GetHeaders("Route")
	require.Len(t, routes, 2)
	assert.Equal(t, "<sip:r2.com;lr>", routes[0].Value())
	assert.Equal(t, "<sip:r1.com;lr>", routes[1].Value())

	// ACK must not consume a CSeq number
	ack, err := d.BuildRequest(sip.ACK)
	require.NoError(t, err)
	assert.Equal(t, "2 ACK", ack.CSeq().Value())

	info, err := d.BuildRequest(sip.INFO)
	require.NoError(t, err)
	assert.Equal(t, "3 INFO", info.CSeq().Value())
}

func TestDialogUpdateFromRequest(t *testing.T) {
	invite := testDialogInvite(t)
	res := testDialogResponse(t, invite, 200, "OK")
	d, err := NewDialogFromResponse(invite, res, true)
	require.NoError(t, err)

	newReq := func(method string, cseq string, contact string) *sip.Request {
		r := sip.NewRequest(sip.RequestMethod(method), sip.Uri{User: "alice", Host: "192.0.2.1"})
		r.AppendHeader(sip.NewHeader("CSeq", cseq+" "+method))
		if contact != "" {
			r.AppendHeader(sip.NewHeader("Contact", contact))
		}
		return r
	}

	require.NoError(t, d.UpdateFromRequest(newReq(string(sip.OPTIONS), "10", "")))

	// Same and lower CSeq are out of order
	err = d.UpdateFromRequest(newReq(string(sip.OPTIONS), "10", ""))
	require.ErrorIs(t, err, ErrDialogInvalidCseq)
	err = d.UpdateFromRequest(newReq(string(sip.OPTIONS), "9", ""))
	require.ErrorIs(t, err, ErrDialogInvalidCseq)

	// Target refresh on re-INVITE
	require.NoError(t, d.UpdateFromRequest(newReq("INVITE", "11", "<sip:bob@198.51.100.7>")))
	assert.Equal(t, "198.51.100.7", d.RemoteTarget().Host)

	// Non-target-refresh request must not touch the remote target
	require.NoError(t, d.UpdateFromRequest(newReq(string(sip.OPTIONS), "12", "<sip:other@203.0.113.1>")))
	assert.Equal(t, "198.51.100.7", d.RemoteTarget().Host)
}

func TestDialogFromRequestUAS(t *testing.T) {
	invite := testDialogInvite(t)
	invite.AppendHeader(sip.NewHeader("Record-Route", "<sip:r1.com;lr>"))
	invite.AppendHeader(sip.NewHeader("Record-Route", "<sip:r2.com;lr>"))
	// UAS assigns its local tag before constructing the dialog
	invite.To().Params.Add("tag", "uas-tag")

	d, err := NewDialogFromRequest(invite)
	require.NoError(t, err)
	assert.Equal(t, sip.DialogStateEarly, d.LoadState())

	// Route set is kept in request order for the UAS
	routes := d.RouteSet()
	require.Len(t, routes, 2)
	assert.Equal(t, "r1.com", routes[0].Host)
	assert.Equal(t, "r2.com", routes[1].Host)

	assert.Equal(t, "192.0.2.1", d.RemoteTarget().Host)

	callID, localTag, remoteTag, ok := d.DialogIDTuple()
	require.True(t, ok)
	assert.Equal(t, "c1", callID)
	assert.Equal(t, "uas-tag", localTag)
	assert.Equal(t, "a-tag", remoteTag)
}

func TestDialogSDPNegotiation(t *testing.T) {
	offer := []byte("v=0\r\no=alice 100 1 IN IP4 192.0.2.1\r\ns=-\r\n")
	answer := []byte("v=0\r\no=bob 200 1 IN IP4 192.0.2.4\r\ns=-\r\n")

	t.Run("local offer remote answer", func(t *testing.T) {
		d := &Dialog{}
		d.Init()

		require.NoError(t, d.UpdateWithLocalOffer(offer))
		// Answering our own offer is invalid
		require.ErrorIs(t, d.UpdateWithLocalAnswer(answer), ErrDialogSDPState)

		require.NoError(t, d.UpdateWithRemoteAnswer(answer))
		assert.Equal(t, offer, d.LocalSDP())
		assert.Equal(t, answer, d.RemoteSDP())
	})

	t.Run("remote offer local answer", func(t *testing.T) {
		d := &Dialog{}
		d.Init()

		require.NoError(t, d.UpdateWithRemoteOffer(offer))
		require.ErrorIs(t, d.UpdateWithRemoteAnswer(answer), ErrDialogSDPState)

		require.NoError(t, d.UpdateWithLocalAnswer(answer))
		assert.Equal(t, answer, d.LocalSDP())
		assert.Equal(t, offer, d.RemoteSDP())
	})

	t.Run("renegotiation keeps last complete pair", func(t *testing.T) {
		d := &Dialog{}
		d.Init()
		require.NoError(t, d.UpdateWithLocalOffer(offer))
		require.NoError(t, d.UpdateWithRemoteAnswer(answer))

		require.NoError(t, d.PrepareSDPRenegotiation())
		assert.Equal(t, offer, d.LocalSDP())
		assert.Equal(t, answer, d.RemoteSDP())

		offer2 := []byte("v=0\r\no=alice 100 2 IN IP4 192.0.2.1\r\ns=-\r\n")
		require.NoError(t, d.UpdateWithLocalOffer(offer2))
		// Old pair still visible until the new one completes
		assert.Equal(t, offer, d.LocalSDP())
	})

	t.Run("reinvite offer from complete", func(t *testing.T) {
		d := &Dialog{}
		d.Init()
		require.NoError(t, d.UpdateWithRemoteOffer(offer))
		require.NoError(t, d.UpdateWithLocalAnswer(answer))

		// Retransmitted offer (same origin version) is absorbed
		require.NoError(t, d.UpdateWithRemoteOffer(offer))
		assert.Equal(t, answer, d.LocalSDP())

		// Advanced origin version starts a new round
		offer2 := []byte("v=0\r\no=alice 100 2 IN IP4 192.0.2.1\r\ns=-\r\n")
		require.NoError(t, d.UpdateWithRemoteOffer(offer2))
		require.NoError(t, d.UpdateWithLocalAnswer(answer))
		assert.Equal(t, offer2, d.RemoteSDP())
	})
}

func TestDialogRecovery(t *testing.T) {
	invite := testDialogInvite(t)
	res := testDialogResponse(t, invite, 200, "OK")

	t.Run("gating", func(t *testing.T) {
		early, err := NewDialogFromResponse(invite, testDialogResponse(t, invite, 180, "Ringing"), true)
		require.NoError(t, err)
		require.ErrorIs(t, early.EnterRecoveryMode("probe"), ErrDialogRecoveryState)

		d, err := NewDialogFromResponse(invite, res, true)
		require.NoError(t, err)
		require.NoError(t, d.EnterRecoveryMode("transport gone"))
		assert.True(t, d.IsRecovering())
		assert.Equal(t, "192.0.2.4", d.LastKnownRemoteAddr())

		// Recovery from anything but Confirmed is refused
		require.ErrorIs(t, d.EnterRecoveryMode("again"), ErrDialogRecoveryState)

		require.NoError(t, d.CompleteRecovery())
		assert.Equal(t, sip.DialogStateConfirmed, d.LoadState())
		require.ErrorIs(t, d.CompleteRecovery(), ErrDialogRecoveryState)
	})

	t.Run("probe counting", func(t *testing.T) {
		d, err := NewDialogFromResponse(invite, res, true)
		require.NoError(t, err)
		require.NoError(t, d.EnterRecoveryMode("transport gone"))

		_, err = d.BuildRequest(sip.OPTIONS)
		require.NoError(t, err)
		_, err = d.BuildRequest(sip.OPTIONS)
		require.NoError(t, err)
		assert.Equal(t, 2, d.RecoveryAttempts())

		require.NoError(t, d.CompleteRecovery())
		assert.Equal(t, 0, d.RecoveryAttempts())
	})

	t.Run("abandon", func(t *testing.T) {
		d, err := NewDialogFromResponse(invite, res, true)
		require.NoError(t, err)
		require.NoError(t, d.EnterRecoveryMode("peer vanished"))
		require.NoError(t, d.AbandonRecovery())
		assert.Equal(t, sip.DialogStateEnded, d.LoadState())
		require.ErrorContains(t, d.err(), "peer vanished")

		// Terminated dialog stays terminated
		require.ErrorIs(t, d.EnterRecoveryMode("too late"), ErrDialogRecoveryState)
	})
}

func TestDialogEvents(t *testing.T) {
	invite := testDialogInvite(t)
	res := testDialogResponse(t, invite, 200, "OK")

	d := &Dialog{InviteRequest: invite}
	d.Init()

	var events []DialogEvent
	d.OnEvent(func(e DialogEvent) { events = append(events, e) })

	require.NoError(t, d.populateFromUACResponse(invite, res, true))
	require.NoError(t, d.EnterRecoveryMode("probe"))
	require.NoError(t, d.CompleteRecovery())
	require.NoError(t, d.UpdateWithLocalOffer([]byte("v=0\r\no=a 1 1 IN IP4 h\r\n")))
	require.NoError(t, d.UpdateWithRemoteAnswer([]byte("v=0\r\no=b 2 1 IN IP4 h\r\n")))
	d.endWithCause(nil)

	var kinds []string
	for _, e := range events {
		switch e.(type) {
		case DialogCreatedEvent:
			kinds = append(kinds, "created")
		case DialogConfirmedEvent:
			kinds = append(kinds, "confirmed")
		case RecoveryStartedEvent:
			kinds = append(kinds, "recovery-started")
		case RecoveryCompletedEvent:
			kinds = append(kinds, "recovery-completed")
		case SdpNegotiationCompleteEvent:
			kinds = append(kinds, "sdp-complete")
		case DialogTerminatedEvent:
			kinds = append(kinds, "terminated")
		}
	}
	assert.Equal(t, []string{"created", "confirmed", "recovery-started", "recovery-completed", "sdp-complete", "terminated"}, kinds)
}
