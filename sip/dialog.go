package sip

// DialogState is the lifecycle state of a dialog (RFC 3261 §12).
type DialogState int

const (
	// DialogStateEarly: dialog created from a 1xx response carrying a To-tag.
	DialogStateEarly DialogState = iota
	// DialogStateConfirmed: dialog received its 2xx / ACK completed the handshake.
	DialogStateConfirmed
	// DialogStateEnded: dialog received BYE or was otherwise terminated.
	DialogStateEnded
	// DialogStateRecovering: dialog lost its transport peer and is probing
	// to resume. Not part of RFC 3261; a local extension (see spec design
	// notes on dialog recovery).
	DialogStateRecovering
)

// DialogStateEstablished is kept as an alias of DialogStateEarly for
// existing callers; new code should prefer DialogStateEarly.
const DialogStateEstablished = DialogStateEarly

// Dialog is a lightweight dialog-state notification, published to whoever
// registered interest via ServerDialog.OnDialog/OnDialogChan. It is a snapshot,
// not a handle: it carries no behavior and does not let you respond within
// the dialog it describes.
type Dialog struct {
	ID    string
	State DialogState
}

func (s DialogState) String() string {
	switch s {
	case DialogStateEarly:
		return "Early"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateEnded:
		return "Terminated"
	case DialogStateRecovering:
		return "Recovering"
	}
	return "Unknown"
}
