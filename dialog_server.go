package sipgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/icholy/digest"

	"siptx/sip"
)

// DialogServer caches UAS dialogs by dialog ID so that subsequent in-dialog
// requests (ACK, BYE) arriving outside a session's own handler can still be
// matched back to the session that answered the INVITE.
type DialogServer struct {
	UA      *DialogUA
	dialogs sync.Map // TODO replace with typed version
}

func (s *DialogServer) loadDialog(id string) *DialogServerSession {
	val, ok := s.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogServerSession)
	return t
}

func (s *DialogServer) matchDialogRequest(req *sip.Request) (*DialogServerSession, error) {
	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return nil, errors.Join(ErrDialogOutsideDialog, err)
	}

	dt := s.loadDialog(id)
	if dt == nil {
		return nil, ErrDialogDoesNotExists
	}
	return dt, nil
}

// NewDialogServerCache provides handle for managing UAS dialogs.
// Contact hdr is default that is provided for responses.
// Client is needed for sending in-dialog requests (re-INVITE, BYE).
// In case handling different transports you should have multiple instances per transport.
func NewDialogServerCache(client *Client, contactHDR sip.ContactHeader) *DialogServer {
	return &DialogServer{
		UA: &DialogUA{
			Client:     client,
			ContactHDR: contactHDR,
		},
	}
}

// ReadInvite should read from your OnInvite handler for which it creates dialog context
// You need to use DialogServerSession for all further responses
// Do not forget to add ReadAck and ReadBye for confirming dialog and terminating
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	dtx, err := s.UA.ReadInvite(req, tx)
	if err != nil {
		return nil, err
	}
	dtx.cache = s
	s.dialogs.Store(dtx.ID, dtx)
	return dtx, nil
}

// ReadAck should be read from your OnAck handler when dispatching by dialog
// cache rather than holding on to the session returned by ReadInvite.
func (s *DialogServer) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		return err
	}
	return dt.ReadAck(req, tx)
}

// ReadBye should be read from your OnBye handler when dispatching by dialog
// cache rather than holding on to the session returned by ReadInvite.
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	dt, err := s.matchDialogRequest(req)
	if err != nil {
		// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.2
		// If the BYE does not
		//    match an existing dialog, the UAS core SHOULD generate a 481
		//    (Call/Transaction Does Not Exist)
		return err
	}
	return dt.ReadBye(req, tx)
}

type DialogServerSession struct {
	Dialog
	inviteTx sip.ServerTransaction
	ua       *DialogUA

	// cache is set only when the session was created through a DialogServer;
	// sessions built directly from DialogUA.ReadInvite/NewServerSession are uncached.
	cache *DialogServer

	// ackCh closes when the ACK for our 2xx arrives. It gates the 2xx
	// retransmission loop in WriteResponse.
	ackMakeOnce  sync.Once
	ackCloseOnce sync.Once
	ackCh        chan struct{}
}

func (s *DialogServerSession) ackSignal() chan struct{} {
	s.ackMakeOnce.Do(func() { s.ackCh = make(chan struct{}) })
	return s.ackCh
}

// ReadAck should be read from your OnAck handler.
// Acks are normally just absorbed, but in case of proxy they still need to
// be passed.
func (s *DialogServerSession) ReadAck(req *sip.Request, tx sip.ServerTransaction) error {
	s.setState(sip.DialogStateConfirmed)
	s.ackCloseOnce.Do(func() { close(s.ackSignal()) })
	return nil
}

// ReadBye should be read from your OnBye handler.
func (s *DialogServerSession) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	// RFC 3261 12.2.2: out-of-order in-dialog request gets a 500, not silently accepted.
	if err := s.Dialog.UpdateFromRequest(req); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		tx.Respond(res)
		return err
	}

	defer s.Close()
	defer s.inviteTx.Terminate() // Terminates Invite transaction

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	s.setState(sip.DialogStateEnded)

	return nil
}

// authDigest challenges and validates the Authorization header carried on
// the INVITE that created this dialog, responding with 401 directly when
// credentials are missing or mismatched.
func (s *DialogServerSession) authDigest(chal *digest.Challenge, opts digest.Options) error {
	req := s.InviteRequest
	h := req.GetHeader("Authorization")
	if h == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		s.inviteTx.Respond(res)
		return fmt.Errorf("no Authorization header present")
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		s.inviteTx.Respond(sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Bad credentials", nil))
		return fmt.Errorf("parsing credentials failed: %w", err)
	}

	opts.URI = cred.URI
	opts.Username = cred.Username
	digCred, err := digest.Digest(chal, opts)
	if err != nil {
		s.inviteTx.Respond(sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Bad credentials", nil))
		return fmt.Errorf("computing digest failed: %w", err)
	}

	if cred.Response != digCred.Response {
		s.inviteTx.Respond(sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil))
		return fmt.Errorf("digest response mismatch")
	}

	return nil
}

// TransactionRequest is doing client DIALOG request based on RFC
// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1
// This ensures that you have proper request done within dialog: Request-URI
// from the dialog's remote target, route set derived once at dialog
// establishment (record-route in the original INVITE for a UAS), CSeq from
// the dialog counter.
func (s *DialogServerSession) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	s.Dialog.prepareRequest(req)

	// Check Route Header
	// Should be handled by transport layer but here we are making this explicit
	if rr := req.Route(); rr != nil {
		req.SetDestination(rr.Address.HostPort())
	}

	// Passing option to avoid CSEQ apply
	return s.ua.Client.TransactionRequest(ctx, req, ClientRequestBuild)
}

func (s *DialogServerSession) WriteRequest(req *sip.Request) error {
	return s.ua.Client.WriteRequest(req)
}

// Close is always good to call for cleanup or terminating dialog state
func (s *DialogServerSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

// Respond should be called for Invite request, you may want to call this multiple times like
// 100 Progress or 180 Ringing
// 2xx for creating dialog or other code in case failure
//
// In case Cancel request received: ErrDialogCanceled is responded
func (s *DialogServerSession) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	// Must copy Record-Route headers. Done by this command
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)

	for _, h := range headers {
		res.AppendHeader(h)
	}

	return s.WriteResponse(res)
}

// RespondSDP is just wrapper to call 200 with SDP.
// It is better to use this when answering as it provide correct headers
func (s *DialogServerSession) RespondSDP(sdp []byte) error {
	if sdp == nil {
		return fmt.Errorf("sdp not provided")
	}
	res := sip.NewSDPResponseFromRequest(s.InviteRequest, sdp)
	return s.WriteResponse(res)
}

// WriteResponse allows passing you custom response
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	tx := s.inviteTx

	if res.Contact() == nil {
		// Add our default contact header
		res.AppendHeader(&s.ua.ContactHDR)
	}

	s.Dialog.InviteResponse = res

	// Do we have cancel in meantime. The transaction FSM answers the CANCEL
	// itself (200 on the CANCEL, 487 on the INVITE); here we only need to
	// refuse building a dialog on top of a canceled transaction.
	if err := tx.Err(); errors.Is(err, sip.ErrTransactionCanceled) {
		return ErrDialogCanceled
	}
	select {
	case <-tx.Done():
		// There must be some error
		return tx.Err()
	default:
	}

	if !res.IsSuccess() {
		if res.IsProvisional() {
			// This will not create dialog so we will just respond
			return tx.Respond(res)
		}

		// For final response we want to set dialog ended state
		if err := tx.Respond(res); err != nil {
			return err
		}
		s.setState(sip.DialogStateEnded)
		return nil
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	if id != s.Dialog.ID {
		return fmt.Errorf("ID do not match. Invite request has changed headers?")
	}

	s.setState(sip.DialogStateConfirmed)
	if err := tx.Respond(res); err != nil {
		// We could also not delete this as Close will handle cleanup
		if s.cache != nil {
			s.cache.dialogs.Delete(id)
		}
		return err
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-13.3.1.4
	// The 2xx is retransmitted by the TU, not the transaction: at T1,
	// doubling up to T2, until the ACK arrives or 64*T1 passes.
	retrans := sip.T1
	giveUp := time.Now().Add(64 * sip.T1)
	for {
		select {
		case <-s.ackSignal():
			return nil
		case <-tx.Done():
			return tx.Err()
		case <-s.Context().Done():
			return nil
		case <-time.After(retrans):
		}

		if time.Now().After(giveUp) {
			s.endWithCause(fmt.Errorf("no ACK received on 2xx: %w", sip.ErrTransactionTimeout))
			return s.err()
		}
		if err := tx.Respond(res); err != nil {
			return err
		}
		retrans *= 2
		if retrans > sip.T2 {
			retrans = sip.T2
		}
	}
}

func (s *DialogServerSession) Bye(ctx context.Context) error {
	state := s.state.Load()
	// In case dialog terminated
	if sip.DialogState(state) == sip.DialogStateEnded {
		return nil
	}

	if sip.DialogState(state) != sip.DialogStateConfirmed {
		return nil
	}

	req := s.Dialog.InviteRequest
	res := s.Dialog.InviteResponse

	if !res.IsSuccess() {
		return fmt.Errorf("can not send bye on NON success response")
	}

	// This is tricky
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases

	// https://datatracker.ietf.org/doc/html/rfc3261#section-15
	// However, the callee's UA MUST NOT send a BYE on a confirmed dialog
	// until it has received an ACK for its 2xx response or until the server
	// transaction times out.
	select {
	case <-s.ackSignal():
	case <-s.inviteTx.Done():
		// Server transaction ended without an ACK
	case <-ctx.Done():
		return ctx.Err()
	}

	// TransactionRequest stamps the dialog identity (target, route set,
	// From/To tags, next CSeq) onto the bare request.
	bye := sip.NewRequest(sip.BYE, s.RemoteTarget())
	bye.SipVersion = req.SipVersion

	tx, err := s.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate() // Terminates current transaction

	// Wait 200
	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.setState(sip.DialogStateEnded)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

