package siptest

import (
	"siptx/sip"

	"log/slog"
)

// NewServerTxRecorder builds a server transaction wired to an in-memory
// connection so tests can assert on what the FSM writes back.
func NewServerTxRecorder(req *sip.Request) *ServerTxRecorder {
	key, err := sip.ServerTxKeyMake(req)
	if err != nil {
		panic(err)
	}
	conn := newConnRecorder()
	stx := sip.NewServerTx(key, req, conn, slog.Default())
	if err := stx.Init(); err != nil {
		panic(err)
	}
	return &ServerTxRecorder{
		stx,
		conn,
	}
}

// ServerTxRecorder wraps a server transaction for assertions in tests.
type ServerTxRecorder struct {
	*sip.ServerTx
	c *connRecorder
}

// Result returns sip responses written by the transaction. nil if none were sent.
func (r *ServerTxRecorder) Result() []*sip.Response {
	if len(r.c.msgs) == 0 {
		return nil
	}
	resps := make([]*sip.Response, len(r.c.msgs))
	for i, m := range r.c.msgs {
		resps[i] = m.(*sip.Response).Clone()
	}

	return resps
}
