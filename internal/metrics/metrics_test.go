package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	m := New()

	m.Verified(3)
	m.VerificationFailed(1)
	m.ValidityOutcome("valid")
	m.ValidityOutcome("valid")
	m.ValidityOutcome("invalid")
	m.Message("push", Outbound)
	m.ProtocolViolation("data")
	m.Storage("append", nil)
	m.Storage("append", errors.New("disk full"))
	m.SetCoValues(7)
	m.PeerConnected("server")
	m.PeerConnected("server")
	m.PeerDisconnected("server")
	m.ObserveTick(time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TransactionsVerified))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsFailed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Validity.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("push", Outbound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolViolations.WithLabelValues("data")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StorageOps.WithLabelValues("append")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageErrors.WithLabelValues("append")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CoValues))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Peers.WithLabelValues("server")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Verified(1)
	m.Storage("get", errors.New("x"))
	m.ObserveTick(time.Second)
	m.PeerConnected("client")
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.Verified(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TransactionsVerified))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Message("pull", Inbound)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `cosync_messages_total{action="pull",direction="in"} 1`))
}
