package sip

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrTransactionNotFound is returned by TransactionState when key does not
// match any currently tracked client or server transaction.
var ErrTransactionNotFound = errors.New("transaction not found")

// TxState is a snapshot of a transaction's current FSM state, derived from
// the function-pointer the FSM is currently dispatching through.
type TxState string

// TransactionManager is a thin façade over TransactionLayer. It exists
// because TransactionLayer spreads the manager-level operations (querying
// state by key, listing active transactions, sending a dialog ACK outside
// any transaction) across several call sites; this collects them behind one
// surface and instruments them with prometheus counters/gauges.
type TransactionManager struct {
	txl     *TransactionLayer
	metrics *TransactionMetrics

	eventsMu sync.Mutex
	events   chan TransactionEvent
}

// NewTransactionManager wraps txl. Pass a non-nil reg to also register
// prometheus instrumentation; pass nil to skip metrics entirely.
func NewTransactionManager(txl *TransactionLayer, reg prometheus.Registerer) *TransactionManager {
	m := &TransactionManager{txl: txl}
	if reg != nil {
		m.metrics = newTransactionMetrics(reg)
	}
	return m
}

func (m *TransactionManager) CreateClientTransaction(ctx context.Context, req *Request) (*ClientTx, error) {
	if req.IsInvite() {
		return nil, fmt.Errorf("%s: use CreateInviteClientTransaction", req.Method)
	}
	tx, err := m.txl.NewClientTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	m.trackClient(tx, req.Method)
	return tx, nil
}

func (m *TransactionManager) CreateInviteClientTransaction(ctx context.Context, req *Request) (*ClientTx, error) {
	if !req.IsInvite() {
		return nil, fmt.Errorf("%s: not an INVITE request", req.Method)
	}
	tx, err := m.txl.NewClientTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	m.trackClient(tx, req.Method)
	return tx, nil
}

// SendRequest creates and initiates the client transaction for req in one
// step: the create/send split of the manager API executed back to back.
func (m *TransactionManager) SendRequest(ctx context.Context, req *Request) (*ClientTx, error) {
	var tx *ClientTx
	var err error
	if req.IsInvite() {
		tx, err = m.CreateInviteClientTransaction(ctx, req)
	} else {
		tx, err = m.CreateClientTransaction(ctx, req)
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.errors.WithLabelValues(req.Method.String()).Inc()
		}
		return nil, err
	}

	if err := tx.Init(); err != nil {
		tx.Terminate()
		if m.metrics != nil {
			m.metrics.errors.WithLabelValues(req.Method.String()).Inc()
		}
		return nil, err
	}
	return tx, nil
}

// CreateServerTransaction returns the server transaction matching req,
// creating one when no transaction with its key exists yet. The new
// transaction is indexed and removed on termination exactly like those
// created by the layer's own request routing.
func (m *TransactionManager) CreateServerTransaction(req *Request) (*ServerTx, error) {
	key, err := ServerTxKeyMake(req)
	if err != nil {
		return nil, err
	}

	m.txl.serverTransactions.lock()
	if tx, exists := m.txl.serverTransactions.items[key]; exists {
		m.txl.serverTransactions.unlock()
		return tx, nil
	}
	tx, err := m.txl.serverTxCreate(req, key)
	if err != nil {
		m.txl.serverTransactions.unlock()
		return nil, err
	}
	m.txl.serverTransactions.items[key] = tx
	tx.OnTerminate(m.txl.serverTxTerminate)
	m.txl.serverTransactions.unlock()

	m.trackServer(tx, req.Method)
	return tx, nil
}

// SendResponse sends res through the server transaction matching it.
func (m *TransactionManager) SendResponse(res *Response) (*ServerTx, error) {
	tx, err := m.txl.Respond(res)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.serverTxLive.WithLabelValues(tx.Origin().Method.String()).Set(float64(m.txl.serverTransactions.len()))
	}
	return tx, nil
}

// Events returns one aggregated stream carrying the events of every
// transaction this manager creates after the first call. Best-effort
// buffered like the per-transaction streams: a lagging consumer drops,
// not blocks.
func (m *TransactionManager) Events() <-chan TransactionEvent {
	m.eventsMu.Lock()
	if m.events == nil {
		m.events = make(chan TransactionEvent, 128)
	}
	ch := m.events
	m.eventsMu.Unlock()
	return ch
}

func (m *TransactionManager) forwardEvents(tx Transaction) {
	m.eventsMu.Lock()
	ch := m.events
	m.eventsMu.Unlock()
	if ch == nil {
		return
	}
	tx.OnEvent(func(e TransactionEvent) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SendAckFor2xx builds and sends the ACK for a 2xx response to inviteReq.
// This is not a transaction: RFC 3261 §13.2.2.4 requires the UAC core to
// send it directly through the transport, on a fresh branch. When routeSet
// is non-empty it overrides whatever route the response/request implies
// (the dialog's own route set takes precedence over Record-Route replay).
func (m *TransactionManager) SendAckFor2xx(inviteReq *Request, res *Response, routeSet []Uri) error {
	ack := NewAckRequest(inviteReq, res, nil)
	if len(routeSet) > 0 {
		ack.RemoveHeader("Route")
		for _, u := range routeSet {
			ack.AppendHeader(&RouteHeader{Address: u})
		}
	}
	if err := m.txl.Transport().WriteMsg(ack); err != nil {
		if m.metrics != nil {
			m.metrics.errors.WithLabelValues(ACK.String()).Inc()
		}
		return err
	}
	return nil
}

// TransactionState reports the current FSM state of the client or server
// transaction matching key. Checks client transactions first since ACK/
// CANCEL keys only ever identify one side.
func (m *TransactionManager) TransactionState(key string) (TxState, error) {
	if tx, ok := m.txl.getClientTx(key); ok {
		return fsmStateName(tx.baseTx.currentFsmState()), nil
	}
	if tx, ok := m.txl.getServerTx(key); ok {
		return fsmStateName(tx.baseTx.currentFsmState()), nil
	}
	return "", fmt.Errorf("%s: %w", key, ErrTransactionNotFound)
}

// ActiveTransactions lists the keys of all transactions currently tracked,
// split by client/server side.
func (m *TransactionManager) ActiveTransactions() (client []string, server []string) {
	return m.txl.clientTransactions.keys(), m.txl.serverTransactions.keys()
}

func (m *TransactionManager) trackClient(tx *ClientTx, method RequestMethod) {
	m.forwardEvents(tx)
	if m.metrics == nil {
		return
	}
	m.metrics.clientTxLive.WithLabelValues(method.String()).Set(float64(m.txl.clientTransactions.len()))
	tx.OnEvent(func(e TransactionEvent) {
		if t, ok := e.(TimerTriggeredEvent); ok {
			m.metrics.timerFires.WithLabelValues(t.Name).Inc()
		}
	})
	tx.OnTerminate(func(key string, err error) {
		m.metrics.terminations.WithLabelValues(method.String(), terminationReason(err)).Inc()
	})
}

func (m *TransactionManager) trackServer(tx *ServerTx, method RequestMethod) {
	m.forwardEvents(tx)
	if m.metrics == nil {
		return
	}
	m.metrics.serverTxLive.WithLabelValues(method.String()).Set(float64(m.txl.serverTransactions.len()))
	tx.OnEvent(func(e TransactionEvent) {
		if t, ok := e.(TimerTriggeredEvent); ok {
			m.metrics.timerFires.WithLabelValues(t.Name).Inc()
		}
	})
}

func terminationReason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransactionTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionCanceled):
		return "canceled"
	case errors.Is(err, ErrTransactionTransport):
		return "transport"
	default:
		return "error"
	}
}

// fsmStateName turns the FSM's current function-pointer state into a short
// human-readable name for logging/metrics, stripping the package/receiver
// prefix (e.g. "(*ClientTx).stateProceeding" -> "stateProceeding").
func fsmStateName(state fsmContextState) TxState {
	if state == nil {
		return "none"
	}
	return pcStateName(reflect.ValueOf(state).Pointer())
}

func pcStateName(pc uintptr) TxState {
	name := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	// method values reflect as "stateName-fm"
	return TxState(strings.TrimSuffix(name, "-fm"))
}

// TransactionMetrics carries prometheus instrumentation for a
// TransactionManager. Separate from the manager struct so it can be
// constructed/registered independently in tests that do not want a
// registry.
type TransactionMetrics struct {
	clientTxLive *prometheus.GaugeVec
	serverTxLive *prometheus.GaugeVec
	terminations *prometheus.CounterVec
	timerFires   *prometheus.CounterVec
	errors       *prometheus.CounterVec
}

func newTransactionMetrics(reg prometheus.Registerer) *TransactionMetrics {
	m := &TransactionMetrics{
		clientTxLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "siptx",
			Subsystem: "transaction",
			Name:      "client_live",
			Help:      "Number of live client transactions by method.",
		}, []string{"method"}),
		serverTxLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "siptx",
			Subsystem: "transaction",
			Name:      "server_live",
			Help:      "Number of live server transactions by method.",
		}, []string{"method"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siptx",
			Subsystem: "transaction",
			Name:      "terminations_total",
			Help:      "Client transaction terminations by method and reason.",
		}, []string{"method", "reason"}),
		timerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siptx",
			Subsystem: "transaction",
			Name:      "timer_fires_total",
			Help:      "RFC 3261 timer fires by timer name (A..M).",
		}, []string{"timer"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siptx",
			Subsystem: "transaction",
			Name:      "send_errors_total",
			Help:      "Errors sending a request or ACK by method.",
		}, []string{"method"}),
	}
	reg.MustRegister(m.clientTxLive, m.serverTxLive, m.terminations, m.timerFires, m.errors)
	return m
}
