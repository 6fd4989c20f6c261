package sipgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"siptx/sip"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq     = errors.New("Invalid CSEQ number")
	ErrDialogNoToTag         = errors.New("response has no To tag")
	ErrDialogSDPState        = errors.New("invalid SDP negotiation state transition")
	ErrDialogRecoveryState   = errors.New("invalid dialog recovery state transition")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)

// sdpState is the offer/answer negotiation state tracked per dialog
// (RFC 3264), kept independent of the dialog's own Early/Confirmed/
// Terminated/Recovering state.
type sdpState int

const (
	sdpIdle sdpState = iota
	sdpOfferSent
	sdpOfferReceived
	sdpComplete
)

// sdpNegotiation is the minimal SDP offer/answer tracker: it never parses
// SDP, it only remembers the last complete local/remote bodies and which
// side (if any) currently has an offer outstanding.
type sdpNegotiation struct {
	mu      sync.Mutex
	state   sdpState
	local   []byte
	remote  []byte
	pending []byte
}

// dialogRecovery holds the non-standard local extension to RFC 3261 used
// when a dialog's transport peer becomes unreachable and the application
// wants to probe for resumption instead of tearing the dialog down.
type dialogRecovery struct {
	mu                            sync.Mutex
	reason                        string
	lastKnownRemoteAddr           string
	lastSuccessfulTransactionTime time.Time
	recoveryStartTime             time.Time
	recoveredAt                   time.Time
	attempts                      int
}

type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. It is not thread safe!
	// Use it only as read only and use methods to change headers
	InviteRequest *sip.Request

	// InviteResponse is last response received or sent. It is not thread safe!
	// Use it only as read only and do not change values
	InviteResponse *sip.Response

	callID              string
	localTag, remoteTag string
	localURI, remoteURI sip.Uri

	// localSeq is set for every request within dialog except ACK/CANCEL.
	// remoteSeq tracks the highest CSeq number seen from the peer.
	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	remoteTarget atomic.Pointer[sip.Uri]
	routeSet     atomic.Pointer[[]sip.Uri]
	isInitiator  bool

	sdp sdpNegotiation

	recovery dialogRecovery

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]
	onEventPointer atomic.Pointer[FnDialogEvent]

	causeMu sync.Mutex
	cause   error

	// store user values
	values sync.Map
}

// Init resets dialog bookkeeping state. Role-specific fields (tags, route
// set, remote target) are populated separately by NewDialogFromResponse/
// NewDialogFromRequest once enough of the handshake is known.
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state = atomic.Int32{}
	d.localSeq = atomic.Uint32{}
	d.remoteSeq = atomic.Uint32{}

	if d.InviteRequest != nil {
		if cseq := d.InviteRequest.CSeq(); cseq != nil {
			d.localSeq.Store(cseq.SeqNo)
		}
		if callid := d.InviteRequest.CallID(); callid != nil {
			d.callID = callid.Value()
		}
	}
	d.onStatePointer = atomic.Pointer[DialogStateFn]{}
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		// Safety
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}

	switch s {
	case sip.DialogStateConfirmed:
		if sip.DialogState(old) == sip.DialogStateRecovering {
			d.emitEvent(RecoveryCompletedEvent{ID: d.ID})
		} else {
			d.emitEvent(DialogConfirmedEvent{ID: d.ID})
		}
	case sip.DialogStateEnded:
		d.emitEvent(DialogTerminatedEvent{ID: d.ID, Cause: d.err()})
	case sip.DialogStateRecovering:
		d.recovery.mu.Lock()
		reason := d.recovery.reason
		d.recovery.mu.Unlock()
		d.emitEvent(RecoveryStartedEvent{ID: d.ID, Reason: reason})
	}
}

// endWithCause terminates the dialog recording why, retrievable via err().
// Used when the underlying transaction dies before the dialog reached
// Confirmed (e.g. INVITE server transaction canceled or timed out).
func (d *Dialog) endWithCause(cause error) {
	d.causeMu.Lock()
	d.cause = cause
	d.causeMu.Unlock()
	d.setState(sip.DialogStateEnded)
}

// err returns the cause passed to endWithCause, if any.
func (d *Dialog) err() error {
	d.causeMu.Lock()
	defer d.causeMu.Unlock()
	return d.cause
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

// CSEQ returns the last locally used CSeq number.
func (d *Dialog) CSEQ() uint32 {
	return d.localSeq.Load()
}

// SetCSEQ forces the local CSeq counter. Used when rehydrating a dialog
// session from externally persisted state (DialogSessionParams).
func (d *Dialog) SetCSEQ(n uint32) {
	d.localSeq.Store(n)
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}

// DialogIDTuple returns the RFC 3261 §12.1 dialog identity. ok is false
// until the remote tag is known (i.e. before the dialog is at least Early
// with a peer-assigned tag).
func (d *Dialog) DialogIDTuple() (callID, localTag, remoteTag string, ok bool) {
	return d.callID, d.localTag, d.remoteTag, d.remoteTag != ""
}

// RouteSet returns the dialog's route set, already oriented the way this
// endpoint must use it when building subsequent requests (reversed for the
// UAC, as received for the UAS; see NewDialogFromResponse/NewDialogFromRequest).
func (d *Dialog) RouteSet() []sip.Uri {
	if p := d.routeSet.Load(); p != nil {
		return *p
	}
	return nil
}

// RemoteTarget returns the URI subsequent in-dialog requests must target.
func (d *Dialog) RemoteTarget() sip.Uri {
	if p := d.remoteTarget.Load(); p != nil {
		return *p
	}
	return sip.Uri{}
}

// recordRouteSet extracts Record-Route values from msg in header order,
// flattening comma-joined hops, then orients them for this dialog's role:
// reversed for a UAC (the received list starts at the hop nearest the peer;
// the route set starts at the hop nearest us), as-is for a UAS.
func recordRouteSet(msg sip.Message, isInitiator bool) []sip.Uri {
	hdrs := msg.GetHeaders("Record-Route")
	var uris []sip.Uri
	for _, h := range hdrs {
		rr, ok := h.(*sip.RecordRouteHeader)
		if !ok {
			continue
		}
		for hop := rr; hop != nil; hop = hop.Next {
			uris = append(uris, hop.Address)
		}
	}
	if isInitiator {
		for i, j := 0, len(uris)-1; i < j; i, j = i+1, j-1 {
			uris[i], uris[j] = uris[j], uris[i]
		}
	}
	return uris
}

// NewDialogFromResponse builds a Dialog from the UAC side once a response
// carrying a To-tag arrives for an INVITE: Early for a provisional, Confirmed
// for a 2xx. isInitiator is always true here since only a UAC observes
// responses to its own request.
func NewDialogFromResponse(req *sip.Request, res *sip.Response, isInitiator bool) (*Dialog, error) {
	d := &Dialog{InviteRequest: req}
	d.Init()
	if err := d.populateFromUACResponse(req, res, isInitiator); err != nil {
		return nil, err
	}
	return d, nil
}

// populateFromUACResponse fills in (or refreshes) the UAC-side dialog
// identity and route state from a response carrying a To-tag. Exposed as a
// method so a pending session created before any response arrived (the
// common client flow: send INVITE, register the pending dialog, wait for
// the answer) can be upgraded in place once the peer assigns its tag,
// without losing OnState registrations made on the pending object.
func (d *Dialog) populateFromUACResponse(req *sip.Request, res *sip.Response, isInitiator bool) error {
	to := res.To()
	if to == nil {
		return ErrDialogNoToTag
	}
	toTag, _ := to.Params.Get("tag")
	if toTag == "" {
		return ErrDialogNoToTag
	}

	if res.IsSuccess() && res.Contact() == nil {
		return ErrDialogInviteNoContact
	}

	from := req.From()
	callid := req.CallID()
	if from == nil || callid == nil {
		return fmt.Errorf("invite request missing From/Call-ID")
	}
	localTag, _ := from.Params.Get("tag")

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		return err
	}

	d.InviteRequest = req
	d.InviteResponse = res
	d.isInitiator = isInitiator
	d.callID = callid.Value()
	d.localTag = localTag
	d.remoteTag = toTag
	d.localURI = *from.Address.Clone()
	d.remoteURI = *to.Address.Clone()
	d.ID = id

	routeSet := recordRouteSet(res, isInitiator)
	d.routeSet.Store(&routeSet)

	target := req.Recipient
	if cont := res.Contact(); cont != nil {
		target = cont.Address
	}
	d.remoteTarget.Store(&target)

	d.emitEvent(DialogCreatedEvent{ID: d.ID})
	if res.IsSuccess() {
		d.setState(sip.DialogStateConfirmed)
		d.recovery.mu.Lock()
		d.recovery.lastSuccessfulTransactionTime = time.Now()
		d.recovery.mu.Unlock()
	} else {
		d.setState(sip.DialogStateEarly)
	}
	return nil
}

// NewDialogFromRequest builds a Dialog from the UAS side for an incoming
// INVITE. req must already carry the local (To) tag the UAS has assigned;
// the dialog starts Early until the UAS sends its own 2xx.
func NewDialogFromRequest(req *sip.Request) (*Dialog, error) {
	d := &Dialog{}
	if err := d.populateFromUASRequest(req); err != nil {
		return nil, err
	}
	return d, nil
}

// populateFromUASRequest fills in the UAS-side dialog identity and route
// state from the incoming INVITE. req must already carry the local (To) tag
// the UAS has assigned. Exposed as a method so callers that embed Dialog
// (DialogServerSession) can populate it in place.
func (d *Dialog) populateFromUASRequest(req *sip.Request) error {
	cont := req.Contact()
	if cont == nil {
		return ErrDialogInviteNoContact
	}
	from := req.From()
	to := req.To()
	callid := req.CallID()
	if from == nil || to == nil || callid == nil {
		return fmt.Errorf("invite request missing From/To/Call-ID")
	}
	localTag, _ := to.Params.Get("tag")
	if localTag == "" {
		return fmt.Errorf("invite request has no local (To) tag assigned")
	}
	remoteTag, _ := from.Params.Get("tag")

	d.InviteRequest = req
	d.isInitiator = false
	d.callID = callid.Value()
	d.localTag = localTag
	d.remoteTag = remoteTag
	d.localURI = *to.Address.Clone()
	d.remoteURI = *from.Address.Clone()
	d.Init()

	id, err := sip.UASReadRequestDialogID(req)
	if err != nil {
		return err
	}
	d.ID = id

	routeSet := recordRouteSet(req, false)
	d.routeSet.Store(&routeSet)

	target := cont.Address
	d.remoteTarget.Store(&target)

	d.InitWithState(sip.DialogStateEarly)
	// https://datatracker.ietf.org/doc/html/rfc3261#section-12.1.1
	// The remote sequence number starts at the dialog-creating request's CSeq
	if cseq := req.CSeq(); cseq != nil {
		d.remoteSeq.Store(cseq.SeqNo)
	}
	d.emitEvent(DialogCreatedEvent{ID: d.ID})
	return nil
}

// BuildRequest builds a new in-dialog request per RFC 3261 §12.2.1.1:
// Request-URI is the remote target, Route reflects the dialog's route set
// assuming loose routing, From/To carry this dialog's local/remote tags,
// CSeq increments for anything but ACK/CANCEL.
func (d *Dialog) BuildRequest(method sip.RequestMethod) (*sip.Request, error) {
	target := d.RemoteTarget()
	if target.Host == "" {
		return nil, fmt.Errorf("dialog has no remote target")
	}

	req := sip.NewRequest(method, *target.Clone())
	req.SipVersion = "SIP/2.0"
	d.prepareRequest(req)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	return req, nil
}

// prepareRequest stamps this dialog's identity onto req: Request-URI from
// the remote target, Route from the route set, From/To/Call-ID from the
// dialog tuple, CSeq from the local counter (incremented for anything but
// ACK/CANCEL; a CSeq the caller already set is renumbered). Other headers
// the caller already set are left alone, and identity parts a degraded
// dialog never learned (e.g. a 2xx without Contact) are skipped so the
// request stays buildable by the client layer.
func (d *Dialog) prepareRequest(req *sip.Request) {
	if target := d.RemoteTarget(); target.Host != "" {
		req.Recipient = *target.Clone()
	}

	if len(req.GetHeaders("Route")) == 0 {
		for _, hop := range d.RouteSet() {
			req.AppendHeader(&sip.RouteHeader{Address: hop})
		}
	}

	if req.From() == nil && d.localURI.Host != "" {
		from := &sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
		from.Params.Add("tag", d.localTag)
		req.AppendHeader(from)
	}

	if req.To() == nil && d.remoteURI.Host != "" {
		to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
		if d.remoteTag != "" {
			to.Params.Add("tag", d.remoteTag)
		}
		req.AppendHeader(to)
	}

	if req.CallID() == nil && d.callID != "" {
		callid := sip.CallIDHeader(d.callID)
		req.AppendHeader(&callid)
	}

	seq := d.localSeq.Load()
	if req.Method != sip.ACK && req.Method != sip.CANCEL {
		seq = d.localSeq.Add(1)
	}
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo = seq
		cseq.MethodName = req.Method
	} else {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: req.Method})
	}

	// Requests built while recovering are peer probes; count them so the
	// upper layer can decide when to give up.
	if d.IsRecovering() {
		d.recovery.mu.Lock()
		d.recovery.attempts++
		d.recovery.mu.Unlock()
	}
}

// UpdateFromRequest applies RFC 3261 §12.2.2 receive-side bookkeeping: remote CSeq
// monotonicity and target-refresh via Contact.
func (d *Dialog) UpdateFromRequest(req *sip.Request) error {
	cseq := req.CSeq()
	if cseq == nil {
		return fmt.Errorf("request has no CSeq header")
	}

	if !req.IsAck() && !req.IsCancel() {
		prev := d.remoteSeq.Load()
		if prev != 0 && cseq.SeqNo <= prev {
			return ErrDialogInvalidCseq
		}
		d.remoteSeq.Store(cseq.SeqNo)
	}

	if req.IsInvite() || req.Method == sip.UPDATE {
		if cont := req.Contact(); cont != nil {
			target := cont.Address
			d.remoteTarget.Store(&target)
		}
	}

	d.recovery.mu.Lock()
	d.recovery.lastSuccessfulTransactionTime = time.Now()
	d.recovery.mu.Unlock()
	return nil
}

// UpdateFromResponse applies the early->confirmed refresh (RFC 3261 §12.1.2) and the
// general target-refresh rule for any response carrying a Contact.
func (d *Dialog) UpdateFromResponse(res *sip.Response) error {
	if cont := res.Contact(); cont != nil {
		target := cont.Address
		d.remoteTarget.Store(&target)
	}

	if to := res.To(); to != nil {
		if tag, _ := to.Params.Get("tag"); tag != "" && tag != d.remoteTag {
			d.remoteTag = tag
		}
	}

	if res.IsSuccess() && d.LoadState() == sip.DialogStateEarly {
		d.setState(sip.DialogStateConfirmed)
		d.recovery.mu.Lock()
		d.recovery.lastSuccessfulTransactionTime = time.Now()
		d.recovery.mu.Unlock()
	}
	return nil
}

// LocalSDP returns the last SDP body this side sent as a complete offer or
// answer.
func (d *Dialog) LocalSDP() []byte {
	d.sdp.mu.Lock()
	defer d.sdp.mu.Unlock()
	return d.sdp.local
}

// RemoteSDP returns the last SDP body received from the peer as a complete
// offer or answer.
func (d *Dialog) RemoteSDP() []byte {
	d.sdp.mu.Lock()
	defer d.sdp.mu.Unlock()
	return d.sdp.remote
}

// UpdateWithLocalOffer records an outgoing offer. Valid from Idle, or from
// Complete (re-INVITE renegotiation, which implicitly starts a new round).
func (d *Dialog) UpdateWithLocalOffer(sdp []byte) error {
	d.sdp.mu.Lock()
	defer d.sdp.mu.Unlock()
	if d.sdp.state != sdpIdle && d.sdp.state != sdpComplete {
		return ErrDialogSDPState
	}
	d.sdp.pending = sdp
	d.sdp.state = sdpOfferSent
	return nil
}

// UpdateWithRemoteOffer records an incoming offer. Valid from Idle, or from
// Complete when the offer's origin line actually advanced (a re-INVITE
// retransmitting the current session description is absorbed as a no-op).
func (d *Dialog) UpdateWithRemoteOffer(sdp []byte) error {
	d.sdp.mu.Lock()
	defer d.sdp.mu.Unlock()
	switch d.sdp.state {
	case sdpIdle:
	case sdpComplete:
		if sdpIsRetransmission(d.sdp.remote, sdp) {
			return nil
		}
	default:
		return ErrDialogSDPState
	}
	d.sdp.pending = sdp
	d.sdp.state = sdpOfferReceived
	return nil
}

func (d *Dialog) UpdateWithLocalAnswer(sdp []byte) error {
	d.sdp.mu.Lock()
	if d.sdp.state != sdpOfferReceived {
		d.sdp.mu.Unlock()
		return ErrDialogSDPState
	}
	d.sdp.local = sdp
	d.sdp.remote = d.sdp.pending
	d.sdp.pending = nil
	d.sdp.state = sdpComplete
	local, remote := d.sdp.local, d.sdp.remote
	d.sdp.mu.Unlock()

	d.emitEvent(SdpNegotiationCompleteEvent{ID: d.ID, Local: local, Remote: remote})
	return nil
}

func (d *Dialog) UpdateWithRemoteAnswer(sdp []byte) error {
	d.sdp.mu.Lock()
	if d.sdp.state != sdpOfferSent {
		d.sdp.mu.Unlock()
		return ErrDialogSDPState
	}
	d.sdp.local = d.sdp.pending
	d.sdp.pending = nil
	d.sdp.remote = sdp
	d.sdp.state = sdpComplete
	local, remote := d.sdp.local, d.sdp.remote
	d.sdp.mu.Unlock()

	d.emitEvent(SdpNegotiationCompleteEvent{ID: d.ID, Local: local, Remote: remote})
	return nil
}

// PrepareSDPRenegotiation resets the negotiation FSM to Idle for a
// re-INVITE/UPDATE, keeping the last complete local/remote pair intact
// until the next negotiation finishes.
func (d *Dialog) PrepareSDPRenegotiation() error {
	d.sdp.mu.Lock()
	defer d.sdp.mu.Unlock()
	if d.sdp.state != sdpComplete {
		return ErrDialogSDPState
	}
	d.sdp.state = sdpIdle
	d.sdp.pending = nil
	return nil
}

// EnterRecoveryMode is valid only from Confirmed; it moves the dialog to
// Recovering and resets the attempt counter.
func (d *Dialog) EnterRecoveryMode(reason string) error {
	if d.LoadState() != sip.DialogStateConfirmed {
		return ErrDialogRecoveryState
	}
	d.recovery.mu.Lock()
	d.recovery.reason = reason
	d.recovery.recoveryStartTime = time.Now()
	d.recovery.attempts = 0
	target := d.RemoteTarget()
	d.recovery.lastKnownRemoteAddr = target.HostPort()
	d.recovery.mu.Unlock()
	d.setState(sip.DialogStateRecovering)
	return nil
}

// CompleteRecovery is valid only from Recovering and moves back to Confirmed.
func (d *Dialog) CompleteRecovery() error {
	if d.LoadState() != sip.DialogStateRecovering {
		return ErrDialogRecoveryState
	}
	d.recovery.mu.Lock()
	d.recovery.recoveredAt = time.Now()
	d.recovery.lastSuccessfulTransactionTime = d.recovery.recoveredAt
	d.recovery.attempts = 0
	d.recovery.mu.Unlock()
	d.setState(sip.DialogStateConfirmed)
	return nil
}

// AbandonRecovery terminates the dialog, preserving the recovery reason as
// the termination cause.
func (d *Dialog) AbandonRecovery() error {
	if d.LoadState() != sip.DialogStateRecovering {
		return ErrDialogRecoveryState
	}
	d.recovery.mu.Lock()
	reason := d.recovery.reason
	d.recovery.mu.Unlock()
	d.endWithCause(fmt.Errorf("recovery abandoned: %s", reason))
	return nil
}

func (d *Dialog) IsRecovering() bool {
	return d.LoadState() == sip.DialogStateRecovering
}

// RecoveryAttempts reports how many probe requests were issued during the
// current recovery round.
func (d *Dialog) RecoveryAttempts() int {
	d.recovery.mu.Lock()
	defer d.recovery.mu.Unlock()
	return d.recovery.attempts
}

// LastKnownRemoteAddr returns the remote target captured when recovery
// started, the address a probe should be aimed at first.
func (d *Dialog) LastKnownRemoteAddr() string {
	d.recovery.mu.Lock()
	defer d.recovery.mu.Unlock()
	return d.recovery.lastKnownRemoteAddr
}

// TimeSinceLastTransaction reports how long it has been since the dialog
// was last confirmed by a 2xx, accepted an in-dialog request from the peer,
// or completed recovery. Requests this side sends are not recorded; 0 is
// returned while nothing has been recorded.
func (d *Dialog) TimeSinceLastTransaction() time.Duration {
	d.recovery.mu.Lock()
	last := d.recovery.lastSuccessfulTransactionTime
	d.recovery.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}
