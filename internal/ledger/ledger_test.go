package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"zk_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStatus struct {
	calls   atomic.Int32
	answers []TxStatus
	errs    []error
}

func (s *scriptedStatus) Status(context.Context, string) (TxStatus, error) {
	i := int(s.calls.Add(1)) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.answers) {
		return s.answers[i], nil
	}
	return TxPending, nil
}

func TestPoller_Applied(t *testing.T) {
	src := &scriptedStatus{answers: []TxStatus{TxPending, TxPending, TxApplied}}
	p := NewPoller(src, time.Millisecond, time.Second)

	status, err := p.WaitForActivation(context.Background(), "tx")
	require.NoError(t, err)
	assert.Equal(t, TxApplied, status)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestPoller_FailedIsAResult(t *testing.T) {
	src := &scriptedStatus{answers: []TxStatus{TxFailed}}
	p := NewPoller(src, time.Millisecond, time.Second)

	status, err := p.WaitForActivation(context.Background(), "tx")
	require.NoError(t, err)
	assert.Equal(t, TxFailed, status)
}

func TestPoller_RetriesTransientErrors(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scriptedStatus{
		errs:    []error{boom, boom},
		answers: []TxStatus{"", "", TxApplied},
	}
	p := NewPoller(src, time.Millisecond, time.Second)

	status, err := p.WaitForActivation(context.Background(), "tx")
	require.NoError(t, err)
	assert.Equal(t, TxApplied, status)
}

func TestPoller_TimesOutWhenNeverTerminal(t *testing.T) {
	src := &scriptedStatus{}
	p := NewPoller(src, 10*time.Millisecond, 50*time.Millisecond)

	start := time.Now()
	_, err := p.WaitForActivation(context.Background(), "tx")
	assert.ErrorIs(t, err, model.ErrActivationTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.GreaterOrEqual(t, src.calls.Load(), int32(5))
}

func TestPoller_Cancelled(t *testing.T) {
	p := NewPoller(&scriptedStatus{}, 10*time.Millisecond, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.WaitForActivation(ctx, "tx")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/applied":
			_, _ = w.Write([]byte(`{"txStatus":"applied"}`))
		case "/failed":
			_, _ = w.Write([]byte(`{"txStatus":"failed"}`))
		case "/queued":
			_, _ = w.Write([]byte(`{"txStatus":"pending"}`))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL, "secret")
	ctx := context.Background()

	for path, want := range map[string]TxStatus{
		"applied": TxApplied,
		"failed":  TxFailed,
		"queued":  TxPending,
		"unknown": TxPending,
	} {
		got, err := c.Status(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := c.Status(ctx, "broken")
	assert.ErrorIs(t, err, model.ErrNetwork)

	_, err = NewStatusClient(srv.URL, "wrong").Status(ctx, "applied")
	assert.ErrorIs(t, err, model.ErrNetwork)
}

func TestHTTPWallet(t *testing.T) {
	var got SendTransactionArgs
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"hash": "5Jtx"})
	}))
	defer srv.Close()

	tx, err := NewSettle(SettleBody{ChatID: "chat"})
	require.NoError(t, err)
	raw, err := tx.JSON()
	require.NoError(t, err)

	hash, err := NewHTTPWallet(srv.URL).SendTransaction(context.Background(), SendTransactionArgs{
		Transaction: raw,
		FeePayer:    FeePayer{Fee: 1e9, Memo: "zk chat settle"},
	})
	require.NoError(t, err)
	assert.Equal(t, "5Jtx", hash)
	assert.Equal(t, uint64(1e9), got.FeePayer.Fee)
	assert.JSONEq(t, string(raw), string(got.Transaction))
}

func TestHTTPWallet_EmptyHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPWallet(srv.URL).SendTransaction(context.Background(), SendTransactionArgs{Transaction: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrEmptyHash)
}

func TestDeployTransaction_Signature(t *testing.T) {
	key, pub, err := GenerateContractKey()
	require.NoError(t, err)

	tx, err := NewDeploy(key, DeployBody{ContractPublicKey: pub, FeePayer: "payer", Fee: 1})
	require.NoError(t, err)
	require.NoError(t, tx.VerifyDeploy())

	raw, err := tx.JSON()
	require.NoError(t, err)
	var decoded Transaction
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.VerifyDeploy())

	decoded.Body = append([]byte(nil), decoded.Body...)
	decoded.Body[len(decoded.Body)-1] ^= 0x01
	assert.Error(t, decoded.VerifyDeploy())

	_, otherPub, err := GenerateContractKey()
	require.NoError(t, err)
	forged, err := NewDeploy(key, DeployBody{ContractPublicKey: otherPub})
	require.NoError(t, err)
	assert.ErrorIs(t, forged.VerifyDeploy(), ErrBadSignature)

	_, err = tx.DecodeSettle()
	assert.ErrorIs(t, err, ErrWrongKind)
}
