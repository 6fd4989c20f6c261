package sipgo

import "siptx/sip"

type NoOpTransaction struct {
	respCh <-chan *sip.Response
	doneCh <-chan struct{}
}

func (t *NoOpTransaction) Terminate() {}

func (t *NoOpTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return true
}

func (t *NoOpTransaction) OnEvent(f sip.FnTxEvent) bool {
	return true
}

func (t *NoOpTransaction) Events() <-chan sip.TransactionEvent {
	ch := make(chan sip.TransactionEvent)
	close(ch)
	return ch
}

func (t *NoOpTransaction) Done() <-chan struct{} {
	if t.doneCh != nil {
		return t.doneCh
	}
	doneCh := make(chan struct{})
	close(doneCh)
	return doneCh
}

func (t *NoOpTransaction) Err() error {
	return nil
}

// Responses implements sip.ClientTransaction interface.
func (t *NoOpTransaction) Responses() <-chan *sip.Response {
	if t.respCh != nil {
		return t.respCh
	}
	respCh := make(chan *sip.Response)
	close(respCh)
	return respCh
}

// setResponses sets the response channel for this transaction
func (t *NoOpTransaction) setResponses(ch <-chan *sip.Response) {
	t.respCh = ch
}

// setDone sets the done channel for this transaction
func (t *NoOpTransaction) setDone(ch <-chan struct{}) {
	t.doneCh = ch
}

type NoOpServerTransaction struct {
	NoOpTransaction
}

func (t *NoOpServerTransaction) Respond(_ *sip.Response) error {
	return nil
}

func (t *NoOpServerTransaction) Acks() <-chan *sip.Request {
	reqCh := make(chan *sip.Request)
	close(reqCh)
	return reqCh
}

func (t *NoOpServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	return true
}

// NoOpClientTransaction stands in for a client transaction that has already
// run its course (e.g. a session rehydrated from persisted state). It
// satisfies sip.ClientTransaction without holding a live connection.
type NoOpClientTransaction struct {
	NoOpTransaction
}

func (t *NoOpClientTransaction) OnRetransmission(f sip.FnTxResponse) bool {
	return true
}
