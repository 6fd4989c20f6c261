package sip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransactionManager(t *testing.T) (*TransactionManager, *TransactionLayer) {
	tp := NewTransportLayer(net.DefaultResolver, NewParser(), nil)
	txl := NewTransactionLayer(tp)
	t.Cleanup(func() {
		txl.Close()
		tp.Close()
	})
	return NewTransactionManager(txl, prometheus.NewRegistry()), txl
}

func TestTransactionManagerStateLookup(t *testing.T) {
	m, _ := testTransactionManager(t)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	tx, err := m.SendRequest(context.TODO(), req)
	require.NoError(t, err)

	state, err := m.TransactionState(tx.Key())
	require.NoError(t, err)
	assert.Equal(t, TxState("stateCalling"), state)

	_, err = m.TransactionState("no-such-key")
	require.ErrorIs(t, err, ErrTransactionNotFound)

	clients, servers := m.ActiveTransactions()
	assert.Contains(t, clients, tx.Key())
	assert.Empty(t, servers)

	// After termination the manager must forget the transaction
	tx.Terminate()
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction did not terminate")
	}

	require.Eventually(t, func() bool {
		_, err := m.TransactionState(tx.Key())
		return err != nil
	}, time.Second, 10*time.Millisecond)

	clients, _ = m.ActiveTransactions()
	assert.NotContains(t, clients, tx.Key())
}

func TestTransactionManagerCreateKindGuard(t *testing.T) {
	m, _ := testTransactionManager(t)

	invite, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	_, err := m.CreateClientTransaction(context.TODO(), invite)
	require.Error(t, err)

	options := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	_, err = m.CreateInviteClientTransaction(context.TODO(), options)
	require.Error(t, err)

	tx, err := m.CreateInviteClientTransaction(context.TODO(), invite)
	require.NoError(t, err)
	tx.Terminate()
}

func TestAckFor2xxFreshBranch(t *testing.T) {
	invite, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	res := NewResponseFromRequest(invite, StatusOK, "OK", nil)
	res.AppendHeader(NewHeader("Contact", "<sip:bob@127.0.0.99:5060>"))

	ack := NewAckRequest(invite, res, nil)

	require.Equal(t, ACK, ack.Method)
	assert.Equal(t, ACK, ack.CSeq().MethodName)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)

	inviteBranch, _ := invite.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	require.NotEmpty(t, ackBranch)
	assert.NotEqual(t, inviteBranch, ackBranch, "2xx ACK must carry a fresh branch")

	// Non-2xx ACK reuses the INVITE branch so the server matches it
	res486 := NewResponseFromRequest(invite, 486, "Busy Here", nil)
	nack := newAckRequestNon2xx(invite, res486, nil)
	nackBranch, _ := nack.Via().Params.Get("branch")
	assert.Equal(t, inviteBranch, nackBranch)
	assert.Equal(t, ACK, nack.CSeq().MethodName)
}
