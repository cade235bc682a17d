// Package hmacvalidator implements inbound webhook signature validation
// (C10): header-variant signature extraction, algorithm inference,
// constant-time comparison over the raw request body, and replay-window
// enforcement.
package hmacvalidator

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/itsneelabh/orchestrator-core/internal/clock"
)

// Algorithm is an inferred HMAC hash algorithm.
type Algorithm string

const (
	AlgoSHA1   Algorithm = "sha1"
	AlgoSHA256 Algorithm = "sha256"
	AlgoSHA512 Algorithm = "sha512"
)

// headerPrecedence is the in-order list of headers checked for a signature
// (spec §4.8).
var headerPrecedence = []string{
	"X-Signature-256",
	"X-Hub-Signature-256",
	"X-Signature",
	"X-Hub-Signature",
	"Signature",
}

var prefixes = []string{"sha256=", "sha1=", "sha512="}

// SecretSource fetches a webhook secret by logical path (spec §6 egress
// contract: GetSecret(path) -> bytes). External collaborator.
type SecretSource interface {
	GetSecret(ctx context.Context, path string) ([]byte, error)
}

const defaultMaxSkew = 300 * time.Second

// Validator validates inbound webhook requests.
type Validator struct {
	secrets SecretSource
	clk     clock.Clock
	maxSkew time.Duration
}

// New constructs a Validator. clk defaults to clock.RealClock{}; maxSkew
// defaults to 300s (spec §6 HMAC_MAX_SKEW_S).
func New(secrets SecretSource, clk clock.Clock, maxSkew time.Duration) *Validator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	return &Validator{secrets: secrets, clk: clk, maxSkew: maxSkew}
}

// ErrMissingSignature, ErrSignatureMismatch, and ErrReplay are the rejection
// reasons surfaced to callers; a failed secret lookup or an unparsable
// X-Timestamp is returned as a wrapped error instead.
var (
	ErrMissingSignature  = fmt.Errorf("hmacvalidator: no signature header present")
	ErrSignatureMismatch = fmt.Errorf("hmacvalidator: signature does not match")
	ErrReplay            = fmt.Errorf("hmacvalidator: timestamp outside replay window")
)

// Validate checks header against the raw body bytes for secretPath,
// returning nil if and only if the signature is valid and (when present)
// the timestamp is within the replay window.
func (v *Validator) Validate(ctx context.Context, header http.Header, rawBody []byte, secretPath string) error {
	sig, algo, ok := ExtractSignature(header)
	if !ok {
		return ErrMissingSignature
	}

	secret, err := v.secrets.GetSecret(ctx, secretPath)
	if err != nil {
		return fmt.Errorf("hmacvalidator: fetch secret %s: %w", secretPath, err)
	}

	expected := Compute(algo, secret, rawBody)
	if !ConstantTimeEqual(expected, sig) {
		return ErrSignatureMismatch
	}

	if ts := header.Get("X-Timestamp"); ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("hmacvalidator: invalid X-Timestamp: %w", err)
		}
		requestTime := time.Unix(sec, 0)
		skew := v.clk.Now().Sub(requestTime)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return ErrReplay
		}
	}

	return nil
}

// ExtractSignature finds the first present signature header (in the
// precedence order from spec §4.8), strips any algorithm prefix, and infers
// the algorithm from the header name or the signature's hex length.
func ExtractSignature(header http.Header) (signature string, algo Algorithm, ok bool) {
	for _, name := range headerPrecedence {
		v := strings.TrimSpace(header.Get(name))
		if v == "" {
			continue
		}
		raw := v
		for _, p := range prefixes {
			if strings.HasPrefix(strings.ToLower(raw), p) {
				raw = raw[len(p):]
				break
			}
		}
		return raw, inferAlgorithm(name, raw), true
	}
	return "", "", false
}

func inferAlgorithm(headerName, sig string) Algorithm {
	lower := strings.ToLower(headerName)
	if strings.Contains(lower, "256") {
		return AlgoSHA256
	}
	switch len(sig) {
	case 40:
		return AlgoSHA1
	case 64:
		return AlgoSHA256
	case 128:
		return AlgoSHA512
	default:
		return AlgoSHA256
	}
}

// Compute returns the hex-encoded HMAC of body under secret using algo.
func Compute(algo Algorithm, secret, body []byte) string {
	var mac interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	switch algo {
	case AlgoSHA1:
		mac = hmac.New(sha1.New, secret)
	case AlgoSHA512:
		mac = hmac.New(sha512.New, secret)
	default:
		mac = hmac.New(sha256.New, secret)
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual compares two hex-encoded signatures without leaking
// timing information about a partial match.
func ConstantTimeEqual(expectedHex, actualHex string) bool {
	expected, err1 := hex.DecodeString(expectedHex)
	actual, err2 := hex.DecodeString(actualHex)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, actual) == 1
}
