package hmacvalidator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestrator-core/internal/clock"
)

type fakeSecrets struct {
	secret []byte
	err    error
}

func (f fakeSecrets) GetSecret(context.Context, string) ([]byte, error) {
	return f.secret, f.err
}

func TestExtractSignaturePrefersXSignature256(t *testing.T) {
	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256=deadbeef")
	h.Set("X-Signature-256", "sha256=abc123")
	sig, algo, ok := ExtractSignature(h)
	require.True(t, ok)
	assert.Equal(t, "abc123", sig)
	assert.Equal(t, AlgoSHA256, algo)
}

func TestExtractSignatureInfersAlgorithmFromLength(t *testing.T) {
	h := http.Header{}
	h.Set("X-Signature", "0123456789012345678901234567890123456789") // 40 hex chars
	sig, algo, ok := ExtractSignature(h)
	require.True(t, ok)
	assert.Equal(t, AlgoSHA1, algo)
	assert.Len(t, sig, 40)
}

func TestExtractSignatureMissingReturnsNotOK(t *testing.T) {
	_, _, ok := ExtractSignature(http.Header{})
	assert.False(t, ok)
}

func TestValidateAcceptsMatchingSignature(t *testing.T) {
	secret := []byte("shh-secret")
	body := []byte(`{"event":"ping"}`)
	sig := Compute(AlgoSHA256, secret, body)

	h := http.Header{}
	h.Set("X-Signature-256", "sha256="+sig)

	v := New(fakeSecrets{secret: secret}, clock.RealClock{}, 0)
	err := v.Validate(context.Background(), h, body, "webhooks/endpoint-1")
	assert.NoError(t, err)
}

func TestValidateRejectsMismatchedSignature(t *testing.T) {
	secret := []byte("shh-secret")
	body := []byte(`{"event":"ping"}`)

	h := http.Header{}
	h.Set("X-Signature-256", "sha256="+Compute(AlgoSHA256, []byte("wrong-secret"), body))

	v := New(fakeSecrets{secret: secret}, clock.RealClock{}, 0)
	err := v.Validate(context.Background(), h, body, "webhooks/endpoint-1")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestValidateRejectsStaleTimestampAsReplay(t *testing.T) {
	secret := []byte("shh-secret")
	body := []byte(`{"event":"ping"}`)
	sig := Compute(AlgoSHA256, secret, body)

	clk := clock.NewFixedClock(time.Unix(1_700_000_000, 0))
	h := http.Header{}
	h.Set("X-Signature-256", "sha256="+sig)
	h.Set("X-Timestamp", "1699999000") // 1000s in the past, beyond default 300s skew

	v := New(fakeSecrets{secret: secret}, clk, 0)
	err := v.Validate(context.Background(), h, body, "webhooks/endpoint-1")
	assert.ErrorIs(t, err, ErrReplay)
}

func TestValidateAcceptsTimestampWithinSkew(t *testing.T) {
	secret := []byte("shh-secret")
	body := []byte(`{"event":"ping"}`)
	sig := Compute(AlgoSHA256, secret, body)

	now := time.Unix(1_700_000_000, 0)
	clk := clock.NewFixedClock(now)
	h := http.Header{}
	h.Set("X-Signature-256", "sha256="+sig)
	h.Set("X-Timestamp", "1699999900") // 100s in the past

	v := New(fakeSecrets{secret: secret}, clk, 0)
	err := v.Validate(context.Background(), h, body, "webhooks/endpoint-1")
	assert.NoError(t, err)
}

func TestValidateRejectsMissingSignature(t *testing.T) {
	v := New(fakeSecrets{secret: []byte("s")}, clock.RealClock{}, 0)
	err := v.Validate(context.Background(), http.Header{}, []byte("{}"), "webhooks/endpoint-1")
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestConstantTimeEqualRejectsDifferentLengths(t *testing.T) {
	assert.False(t, ConstantTimeEqual("ab", "abcd"))
}
