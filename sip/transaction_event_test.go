package sip

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siptx/internal/fakes"
)

type eventCollector struct {
	mu     sync.Mutex
	events []TransactionEvent
}

func (c *eventCollector) collect(e TransactionEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) snapshot() []TransactionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TransactionEvent{}, c.events...)
}

func (c *eventCollector) count(match func(e TransactionEvent) bool) int {
	n := 0
	for _, e := range c.snapshot() {
		if match(e) {
			n++
		}
	}
	return n
}

func testEventConn() *UDPConnection {
	return &UDPConnection{
		PacketConn: &fakes.UDPConn{
			Reader:  bytes.NewBuffer(nil),
			Writers: map[string]io.Writer{"127.0.0.99:5060": bytes.NewBuffer(nil)},
		},
	}
}

func TestTransactionEventsNonInviteClient(t *testing.T) {
	SetTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateRequest(t, "REGISTER", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	tx := NewClientTx("event-test", req, testEventConn(), slog.Default())

	col := &eventCollector{}
	done := make(chan struct{})
	require.True(t, tx.OnEvent(col.collect))
	tx.OnTerminate(func(key string, err error) { close(done) })

	require.NoError(t, tx.Init())
	go func() {
		for range tx.Responses() {
		}
	}()
	tx.Receive(NewResponseFromRequest(req, StatusTrying, "Trying", nil))
	tx.Receive(NewResponseFromRequest(req, StatusOK, "OK", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not terminate")
	}

	assert.Equal(t, 1, col.count(func(e TransactionEvent) bool {
		_, ok := e.(ProvisionalResponseEvent)
		return ok
	}))
	assert.Equal(t, 1, col.count(func(e TransactionEvent) bool {
		_, ok := e.(SuccessResponseEvent)
		return ok
	}))
	assert.Equal(t, 1, col.count(func(e TransactionEvent) bool {
		_, ok := e.(TransactionTerminatedEvent)
		return ok
	}), "terminated event must be emitted exactly once")

	var transitions []string
	for _, e := range col.snapshot() {
		if sc, ok := e.(StateChangedEvent); ok {
			transitions = append(transitions, string(sc.From)+">"+string(sc.To))
		}
	}
	assert.Contains(t, transitions, "stateCalling>stateProceeding")
	assert.Contains(t, transitions, "stateProceeding>stateCompleted")
}

func TestTransactionEventsTimerNames(t *testing.T) {
	SetTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	tx := NewClientTx("event-timer-test", req, testEventConn(), slog.Default())

	col := &eventCollector{}
	done := make(chan struct{})
	require.True(t, tx.OnEvent(col.collect))
	tx.OnTerminate(func(key string, err error) { close(done) })

	require.NoError(t, tx.Init())

	// No response ever arrives: Timer E retransmits until Timer F times out.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not time out")
	}

	names := map[string]int{}
	for _, e := range col.snapshot() {
		if te, ok := e.(TimerTriggeredEvent); ok {
			names[te.Name]++
		}
	}
	assert.Greater(t, names["E"], 0, "retransmit timer must fire at least once")
	assert.Equal(t, 1, names["F"], "timeout timer fires once")

	assert.Equal(t, 1, col.count(func(e TransactionEvent) bool {
		_, ok := e.(TransactionTimeoutEvent)
		return ok
	}))
}
