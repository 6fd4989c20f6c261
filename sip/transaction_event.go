package sip

import (
	"errors"
	"reflect"
)

// TransactionEvent is the lifecycle event stream of a single transaction.
// Consumers must treat the set of concrete types as open: switch with a
// default case, since new event kinds may be added.
//
// Events are delivered in the order the FSM produced them. The channel
// returned by Events() is buffered; when a consumer lags behind a burst,
// events that do not fit in the buffer are dropped rather than blocking the FSM.
type TransactionEvent interface {
	// TransactionKey returns the key of the transaction this event belongs to.
	TransactionKey() string
}

// FnTxEvent receives every event of a transaction synchronously.
// NOTE: calling tx methods inside this func can DEADLOCK.
type FnTxEvent func(e TransactionEvent)

// StateChangedEvent is emitted on every FSM state transition.
type StateChangedEvent struct {
	Key  string
	From TxState
	To   TxState
}

// ProvisionalResponseEvent is emitted when a 1xx passes through the transaction.
type ProvisionalResponseEvent struct {
	Key      string
	Response *Response
}

// SuccessResponseEvent is emitted when a 2xx passes through the transaction.
type SuccessResponseEvent struct {
	Key      string
	Response *Response
}

// FailureResponseEvent is emitted when a 3xx-6xx passes through the transaction.
type FailureResponseEvent struct {
	Key      string
	Response *Response
}

// TransportErrorEvent is emitted when sending through the transport failed.
// It is followed by TransactionTerminatedEvent carrying the same cause.
type TransportErrorEvent struct {
	Key string
	Err error
}

// TransactionTimeoutEvent is emitted when Timer B, F or H fired before a
// final response/ACK arrived. Followed by TransactionTerminatedEvent.
// A server transaction already canceled keeps that cause when Timer H
// fires and emits no timeout event.
type TransactionTimeoutEvent struct {
	Key string
}

// TimerTriggeredEvent is emitted on every RFC 3261 timer fire, with the
// timer's RFC name ("A".."M").
type TimerTriggeredEvent struct {
	Key  string
	Name string
}

// TransactionTerminatedEvent is the terminal event, emitted exactly once.
type TransactionTerminatedEvent struct {
	Key string
	Err error
}

func (e StateChangedEvent) TransactionKey() string          { return e.Key }
func (e ProvisionalResponseEvent) TransactionKey() string   { return e.Key }
func (e SuccessResponseEvent) TransactionKey() string       { return e.Key }
func (e FailureResponseEvent) TransactionKey() string       { return e.Key }
func (e TransportErrorEvent) TransactionKey() string        { return e.Key }
func (e TransactionTimeoutEvent) TransactionKey() string    { return e.Key }
func (e TimerTriggeredEvent) TransactionKey() string        { return e.Key }
func (e TransactionTerminatedEvent) TransactionKey() string { return e.Key }

// OnEvent registers a synchronous listener for every event this transaction
// emits. Like OnTerminate, listeners chain: all registered funcs run in
// registration order. Returns false if the transaction already terminated.
// NOTE: calling tx methods inside this func can DEADLOCK.
func (tx *baseTx) OnEvent(f FnTxEvent) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	select {
	case <-tx.done:
		return false
	default:
	}

	if prev := tx.onEvent; prev != nil {
		tx.onEvent = func(e TransactionEvent) {
			prev(e)
			f(e)
		}
		return true
	}
	tx.onEvent = f
	return true
}

// Events returns a buffered stream of this transaction's events. The stream
// is best-effort: events beyond the buffer are dropped while the consumer
// lags (consumers must tolerate bursts). The channel is never closed; read
// it together with Done().
func (tx *baseTx) Events() <-chan TransactionEvent {
	tx.mu.Lock()
	if tx.events == nil {
		tx.events = make(chan TransactionEvent, 32)
		ch := tx.events
		prev := tx.onEvent
		tx.onEvent = func(e TransactionEvent) {
			if prev != nil {
				prev(e)
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
	ch := tx.events
	tx.mu.Unlock()
	return ch
}

func (tx *baseTx) emitEvent(e TransactionEvent) {
	tx.mu.Lock()
	f := tx.onEvent
	tx.mu.Unlock()
	if f != nil {
		f(e)
	}
}

// emitTerminationEvents is called from delete() exactly once per transaction,
// after the done channel is closed but before the terminate callbacks.
func (tx *baseTx) emitTerminationEvents(err error) {
	tx.mu.Lock()
	f := tx.onEvent
	tx.mu.Unlock()
	if f == nil {
		return
	}
	switch {
	case errors.Is(err, ErrTransactionTimeout):
		f(TransactionTimeoutEvent{Key: tx.key})
	case errors.Is(err, ErrTransactionTransport):
		f(TransportErrorEvent{Key: tx.key, Err: err})
	}
	f(TransactionTerminatedEvent{Key: tx.key, Err: err})
}

// emitInputEvent translates an FSM input into the public event it implies.
// Called under fsmMu, so fsmResp/fsmErr reads are safe.
func (tx *baseTx) emitInputEvent(i fsmInput) {
	tx.mu.Lock()
	f := tx.onEvent
	tx.mu.Unlock()
	if f == nil {
		return
	}

	invite := tx.origin.IsInvite()
	switch i {
	case client_input_1xx, server_input_user_1xx:
		f(ProvisionalResponseEvent{Key: tx.key, Response: tx.fsmResp})
	case client_input_2xx, server_input_user_2xx:
		f(SuccessResponseEvent{Key: tx.key, Response: tx.fsmResp})
	case client_input_300_plus, server_input_user_300_plus:
		f(FailureResponseEvent{Key: tx.key, Response: tx.fsmResp})
	case client_input_transport_err, server_input_transport_err:
		f(TransportErrorEvent{Key: tx.key, Err: tx.fsmErr})
	case client_input_timer_a:
		f(TimerTriggeredEvent{Key: tx.key, Name: timerName(invite, "A", "E")})
	case client_input_timer_b:
		f(TimerTriggeredEvent{Key: tx.key, Name: timerName(invite, "B", "F")})
	case client_input_timer_d:
		f(TimerTriggeredEvent{Key: tx.key, Name: timerName(invite, "D", "K")})
	case client_input_timer_m:
		f(TimerTriggeredEvent{Key: tx.key, Name: "M"})
	case server_input_timer_g:
		f(TimerTriggeredEvent{Key: tx.key, Name: "G"})
	case server_input_timer_h:
		f(TimerTriggeredEvent{Key: tx.key, Name: "H"})
	case server_input_timer_i:
		f(TimerTriggeredEvent{Key: tx.key, Name: "I"})
	case server_input_timer_j:
		f(TimerTriggeredEvent{Key: tx.key, Name: "J"})
	case server_input_timer_l:
		f(TimerTriggeredEvent{Key: tx.key, Name: "L"})
	}
}

// emitStateChange compares FSM state function pointers around a dispatch.
// Called under fsmMu.
func (tx *baseTx) emitStateChange(prevPC uintptr) {
	tx.mu.Lock()
	f := tx.onEvent
	tx.mu.Unlock()
	if f == nil {
		return
	}
	newPC := reflect.ValueOf(tx.fsmState).Pointer()
	if newPC == prevPC {
		return
	}
	f(StateChangedEvent{Key: tx.key, From: pcStateName(prevPC), To: pcStateName(newPC)})
}

func timerName(invite bool, inviteName, nonInviteName string) string {
	if invite {
		return inviteName
	}
	return nonInviteName
}
