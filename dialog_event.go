package sipgo

// DialogEvent is the lifecycle event stream of a single dialog. The set of
// concrete types is open: switch with a default case, new kinds may be added.
type DialogEvent interface {
	// DialogID returns the internal ID of the dialog this event belongs to.
	DialogID() string
}

// FnDialogEvent receives every event of a dialog synchronously.
type FnDialogEvent func(e DialogEvent)

// DialogCreatedEvent is emitted once the dialog identity is established
// (Early on a tagged 1xx / incoming INVITE, Confirmed on a 2xx).
type DialogCreatedEvent struct {
	ID string
}

// DialogConfirmedEvent is emitted on the Early -> Confirmed transition.
type DialogConfirmedEvent struct {
	ID string
}

// DialogTerminatedEvent is emitted when the dialog ends, with the recorded
// cause if any (BYE completion, cancelation, abandoned recovery).
type DialogTerminatedEvent struct {
	ID    string
	Cause error
}

// RecoveryStartedEvent is emitted on Confirmed -> Recovering.
type RecoveryStartedEvent struct {
	ID     string
	Reason string
}

// RecoveryCompletedEvent is emitted on Recovering -> Confirmed.
type RecoveryCompletedEvent struct {
	ID string
}

// SdpNegotiationCompleteEvent is emitted each time an offer/answer exchange
// finishes, carrying the now-complete pair.
type SdpNegotiationCompleteEvent struct {
	ID     string
	Local  []byte
	Remote []byte
}

func (e DialogCreatedEvent) DialogID() string          { return e.ID }
func (e DialogConfirmedEvent) DialogID() string        { return e.ID }
func (e DialogTerminatedEvent) DialogID() string       { return e.ID }
func (e RecoveryStartedEvent) DialogID() string        { return e.ID }
func (e RecoveryCompletedEvent) DialogID() string      { return e.ID }
func (e SdpNegotiationCompleteEvent) DialogID() string { return e.ID }

// OnEvent registers a synchronous listener for every event this dialog
// emits. Listeners chain in registration order.
func (d *Dialog) OnEvent(f FnDialogEvent) {
	for current := d.onEventPointer.Load(); current != nil; current = d.onEventPointer.Load() {
		cb := *current
		chained := FnDialogEvent(func(e DialogEvent) {
			cb(e)
			f(e)
		})
		if d.onEventPointer.CompareAndSwap(current, &chained) {
			return
		}
	}
	d.onEventPointer.Store(&f)
}

// Events returns a buffered best-effort stream of this dialog's events.
// Events beyond the buffer are dropped while the consumer lags.
func (d *Dialog) Events() <-chan DialogEvent {
	ch := make(chan DialogEvent, 8)
	d.OnEvent(func(e DialogEvent) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch
}

func (d *Dialog) emitEvent(e DialogEvent) {
	if f := d.onEventPointer.Load(); f != nil {
		cb := *f
		cb(e)
	}
}
