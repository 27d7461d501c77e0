package checkpoint

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cosync/internal/covalue"
	"cosync/internal/signer"
)

// =============================================================================
// Helpers
// =============================================================================

func newSession(t *testing.T) (*signer.Agent, covalue.SessionID) {
	t.Helper()
	agent, err := signer.NewAgent()
	require.NoError(t, err)
	return agent, covalue.NewSessionID(agent.ID())
}

func makeTxs(t *testing.T, n int) []covalue.Transaction {
	t.Helper()
	txs := make([]covalue.Transaction, n)
	for i := range txs {
		set, err := covalue.Set("k", i)
		require.NoError(t, err)
		tx, err := covalue.Trusting(set)
		require.NoError(t, err)
		txs[i] = tx
	}
	return txs
}

func signHead(t *testing.T, agent *signer.Agent, session covalue.SessionID, prev Hash, txs []covalue.Transaction) covalue.Signature {
	t.Helper()
	hashes, err := Extend(prev, txs)
	require.NoError(t, err)
	return Sign(agent, session, hashes[len(hashes)-1])
}

// =============================================================================
// Chain tests
// =============================================================================

func TestNextIsDeterministicAndChained(t *testing.T) {
	txs := makeTxs(t, 2)

	a, err := Next(Genesis, txs[0])
	require.NoError(t, err)
	b, err := Next(Genesis, txs[0])
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Next(a, txs[1])
	require.NoError(t, err)
	d, err := Next(Genesis, txs[1])
	require.NoError(t, err)
	assert.NotEqual(t, c, d, "hash must depend on predecessor")
}

func TestVerifyChunkAcceptsValidSequence(t *testing.T) {
	agent, session := newSession(t)
	txs := makeTxs(t, 5)
	sig := signHead(t, agent, session, Genesis, txs)

	hashes, err := VerifyChunk(session, Genesis, txs, sig)
	require.NoError(t, err)
	require.Len(t, hashes, 5)

	// A second chunk continues from the first head.
	more := makeTxs(t, 3)
	sig2 := signHead(t, agent, session, hashes[4], more)
	_, err = VerifyChunk(session, hashes[4], more, sig2)
	assert.NoError(t, err)

	// The same chunk does not verify from a different starting point.
	_, err = VerifyChunk(session, Genesis, more, sig2)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyChunkDetectsSingleByteMutation(t *testing.T) {
	agent, session := newSession(t)
	txs := makeTxs(t, 3)
	sig := signHead(t, agent, session, Genesis, txs)

	for i := range txs {
		mutated := append([]covalue.Transaction(nil), txs...)
		changes := []byte(string(mutated[i].Changes))
		// Flip the digit of the value: still valid JSON, different bytes.
		for j := len(changes) - 1; j >= 0; j-- {
			if changes[j] >= '0' && changes[j] <= '9' {
				changes[j] = '0' + (changes[j]-'0'+1)%10
				break
			}
		}
		mutated[i].Changes = json.RawMessage(changes)

		_, err := VerifyChunk(session, Genesis, mutated, sig)
		require.Error(t, err, "mutation of tx %d must be detected", i)
		assert.ErrorIs(t, err, ErrBadSignature)

		var cpErr *Error
		require.True(t, errors.As(err, &cpErr))
		assert.Equal(t, len(txs)-1, cpErr.Offset)
	}
}

func TestVerifyChunkRejectsForeignSigner(t *testing.T) {
	_, session := newSession(t)
	other, _ := newSession(t)
	txs := makeTxs(t, 2)
	sig := signHead(t, other, session, Genesis, txs)

	_, err := VerifyChunk(session, Genesis, txs, sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyChunkEdgeCases(t *testing.T) {
	_, session := newSession(t)

	_, err := VerifyChunk(session, Genesis, nil, "signature_z00")
	assert.ErrorIs(t, err, ErrEmptyChunk)

	_, err = VerifyChunk(session, Genesis, makeTxs(t, 1), "")
	assert.ErrorIs(t, err, ErrMissingSignature)

	bad := []covalue.Transaction{{Privacy: covalue.PrivacyTrusting, Changes: json.RawMessage(`{not json`)}}
	_, err = VerifyChunk(session, Genesis, bad, "signature_z00")
	assert.ErrorIs(t, err, ErrUnencodable)
}

func TestPolicy(t *testing.T) {
	p := Policy{MaxBytes: 10}
	assert.False(t, p.Exceeded(10))
	assert.True(t, p.Exceeded(11))

	assert.False(t, Policy{}.Exceeded(DefaultMaxBytes))
	assert.True(t, DefaultPolicy().Exceeded(DefaultMaxBytes+1))
}
