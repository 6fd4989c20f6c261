package sipgo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"siptx/sip"
)

// DialogClient caches UAC dialogs by dialog ID so that subsequent in-dialog
// requests (BYE from the peer) can be matched back to the session that
// created them.
type DialogClient struct {
	UA      *DialogUA
	dialogs sync.Map // TODO replace with typed version
}

func (dc *DialogClient) dialogsLen() int {
	leftItems := 0
	dc.dialogs.Range(func(key, value any) bool {
		leftItems++
		return true
	})
	return leftItems
}

func (dc *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := dc.dialogs.Load(id)
	if !ok || val == nil {
		return nil
	}

	t := val.(*DialogClientSession)
	return t
}

// NewDialogClientCache provides handle for managing UAC dialogs.
// Contact hdr must be provided for correct invite.
// In case handling different transports you should have multiple instances per transport.
func NewDialogClientCache(client *Client, contactHDR sip.ContactHeader) *DialogClient {
	return &DialogClient{
		UA: &DialogUA{
			Client:     client,
			ContactHDR: contactHDR,
		},
	}
}

// Invite sends INVITE request and creates early dialog session.
// You need to call WaitAnswer after for establishing dialog.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	sess, err := dc.UA.Invite(ctx, recipient, body, headers...)
	if err != nil {
		return nil, err
	}
	sess.cache = dc
	return sess, nil
}

// WriteInvite allows passing a custom prebuilt INVITE request.
func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request, options ...ClientRequestOption) (*DialogClientSession, error) {
	sess, err := dc.UA.WriteInvite(ctx, inviteRequest, options...)
	if err != nil {
		return nil, err
	}
	sess.cache = dc
	return sess, nil
}

// ReadBye should be read from your OnBye handler
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	callid := req.CallID()
	from := req.From()
	to := req.To()

	id := sip.MakeDialogID(callid.Value(), from.Params.GetOr("tag", ""), to.Params.GetOr("tag", ""))

	dt := dc.loadDialog(id)
	if dt == nil {
		return fmt.Errorf("callid=%q: %w", callid.Value(), ErrDialogDoesNotExists)
	}

	dt.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	defer dt.Close()              // Delete our dialog always
	defer dt.inviteTx.Terminate() // Terminates Invite transaction
	return nil
}

type DialogClientSession struct {
	Dialog
	UA       *DialogUA
	inviteTx sip.ClientTransaction

	// cache is set only when the session was created through a DialogClient;
	// sessions built directly from DialogUA.Invite/WriteInvite are uncached.
	cache *DialogClient
}

// Close must be always called in order to cleanup some internal resources
// Consider that this will not send BYE or CANCEL or change dialog state
func (s *DialogClientSession) Close() error {
	if s.cache != nil {
		s.cache.dialogs.Delete(s.ID)
	}
	return nil
}

type AnswerOptions struct {
	// OnResponse is called for every received response, including
	// provisional ones. Returning a non-nil error aborts WaitAnswer.
	OnResponse func(res *sip.Response) error

	// For digest authentication
	Username string
	Password string
}

// WaitAnswer waits for success response or returns ErrDialogResponse in case non 2xx
// Canceling context while waiting 2xx will send Cancel request
// Returns errors:
// - ErrDialogResponse in case non 2xx response
// - any internal in case waiting answer failed for different reasons
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	client, tx, inviteRequest := s.UA.Client, s.inviteTx, s.InviteRequest

	var r *sip.Response
	for {
		select {
		case r = <-tx.Responses():
			// just pass
		case <-ctx.Done():
			// https://datatracker.ietf.org/doc/html/rfc3261#section-9.1
			// Build and send a CANCEL as a sibling transaction; the INVITE
			// transaction itself is left running to collect the 487.
			cancelReq := newCancelRequest(inviteRequest)
			cancelTx, cerr := client.TransactionRequest(context.Background(), cancelReq)
			if cerr == nil {
				defer cancelTx.Terminate()
			}

			select {
			case res := <-tx.Responses():
				s.InviteResponse = res
				if opts.OnResponse != nil {
					opts.OnResponse(res)
				}
			case <-tx.Done():
			}
			tx.Terminate()
			return ctx.Err()

		case <-tx.Done():
			// tx.Err() can be empty
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			if err := opts.OnResponse(r); err != nil {
				return err
			}
		}

		if r.IsSuccess() {
			break
		}

		if r.IsProvisional() {
			// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1
			// A 1xx carrying a To tag creates the early dialog; the 2xx later
			// upgrades it in place, refreshing remote tag and target.
			if to := r.To(); to != nil {
				if tag, _ := to.Params.Get("tag"); tag != "" {
					s.Dialog.populateFromUACResponse(inviteRequest, r, true)
				}
			}
			continue
		}

		if (r.StatusCode == sip.StatusProxyAuthRequired || r.StatusCode == sip.StatusUnauthorized) && opts.Password != "" {
			authHeaderName := "Authorization"
			if r.StatusCode == sip.StatusProxyAuthRequired {
				authHeaderName = "Proxy-Authorization"
			}
			if h := inviteRequest.GetHeader(authHeaderName); h == nil {
				tx.Terminate()
				var err error
				tx, err = client.TransactionDigestAuth(ctx, inviteRequest, r, DigestAuth{
					Username: opts.Username,
					Password: opts.Password,
				})
				if err != nil {
					return err
				}
				continue
			}
		}

		return &ErrDialogResponse{Res: r}
	}

	if err := s.Dialog.populateFromUACResponse(inviteRequest, r, true); err != nil {
		if !errors.Is(err, ErrDialogInviteNoContact) {
			return err
		}
		// Peer answered 2xx without a Contact. Non-compliant, but the call
		// is answered; keep the session usable with the INVITE's target.
		s.InviteResponse = r
		s.setState(sip.DialogStateConfirmed)
	}
	s.inviteTx = tx
	if s.cache != nil {
		s.cache.dialogs.Store(s.ID, s)
	}
	return nil
}

// Ack sends ack. Use WriteAck for more customizing
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := newAckRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	applyRouteRecipient(ack)

	// https://datatracker.ietf.org/doc/html/rfc3261#section-13.2.2.4
	// A 2xx retransmission means the peer did not see our ACK; answer every
	// one of them with the same ACK.
	s.inviteTx.OnRetransmission(func(r *sip.Response) {
		s.UA.Client.WriteRequest(ack)
	})

	if err := s.UA.Client.WriteRequest(ack); err != nil {
		return err
	}
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// applyRouteRecipient handles the strict-routing case of RFC 3261 §12.2.1.1:
// when the first entry of the route set carries no "lr" parameter, the next
// hop is a strict router and expects the request-URI itself to name it, not
// just a Route header.
func applyRouteRecipient(req *sip.Request) {
	route := req.Route()
	if route == nil {
		return
	}
	if !route.Address.UriParams.Has("lr") {
		req.Recipient = route.Address
	}
}

// Bye sends bye and terminates session. Use WriteBye if you want to customize bye request
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye, err := s.Dialog.BuildRequest(sip.BYE)
	if err != nil {
		// Dialog never learned a remote target (2xx without Contact); fall
		// back to the INVITE's request URI
		bye = sip.NewRequest(sip.BYE, *s.InviteRequest.Recipient.Clone())
		s.Dialog.prepareRequest(bye)
	}
	bye.SipVersion = s.InviteRequest.SipVersion
	bye.SetTransport(s.InviteRequest.Transport())
	bye.SetSource(s.InviteRequest.Source())
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	state := s.LoadState()
	// In case dialog terminated
	if state == sip.DialogStateEnded {
		return nil
	}

	// In case dialog was not updated
	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("dialog not confirmed. ACK not send?")
	}

	applyRouteRecipient(bye)
	tx, err := s.UA.Client.TransactionRequest(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate() // Terminates INVITE in all cases
	defer tx.Terminate()         // Terminates current transaction

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

// Do sends a generic in-dialog request, stamping the dialog identity
// (target, route set, next CSeq) onto it, and waits for and returns its
// final response. Target-refresh responses update the dialog's remote
// target for every request built after them.
func (s *DialogClientSession) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.Dialog.prepareRequest(req)
	applyRouteRecipient(req)

	tx, err := s.UA.Client.TransactionRequest(ctx, req, ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			if res.IsSuccess() && (req.IsInvite() || req.Method == sip.UPDATE) {
				// https://www.rfc-editor.org/rfc/rfc3261#section-12.2.1.2
				s.Dialog.UpdateFromResponse(res)
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// newAckRequestUAC builds the ACK for a 2xx response to our INVITE.
func newAckRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	return sip.NewAckRequest(inviteRequest, inviteResponse, body)
}

// newCancelRequest builds the CANCEL for our in-flight INVITE.
func newCancelRequest(inviteRequest *sip.Request) *sip.Request {
	return sip.NewCancelRequest(inviteRequest)
}
