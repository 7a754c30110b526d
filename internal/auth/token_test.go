package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

const testSecret = "test-secret"

func testFields() Fields {
	return Fields{
		Symbol:     "EURUSD",
		Side:       "BUY",
		Volume:     0.01,
		Price:      1.0850,
		StopLoss:   1.0800,
		TakeProfit: 1.0950,
	}
}

func TestVerify_FreshToken(t *testing.T) {
	authorizer := NewAuthorizer(testSecret)
	verifier := NewVerifier(testSecret, 2*time.Second)

	now := time.Now()
	token := authorizer.Issue(testFields(), now)

	assert.NoError(t, verifier.Verify(token, testFields(), now))
	assert.NoError(t, verifier.Verify(token, testFields(), now.Add(1500*time.Millisecond)))
}

func TestVerify_ExpiredToken(t *testing.T) {
	authorizer := NewAuthorizer(testSecret)
	verifier := NewVerifier(testSecret, 2*time.Second)

	now := time.Now()
	token := authorizer.Issue(testFields(), now)

	// Checksum is still valid, only freshness fails
	err := verifier.Verify(token, testFields(), now.Add(3*time.Second))
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, protocol.CodeExpiredAuth, aerr.Code)
}

func TestVerify_MissingToken(t *testing.T) {
	verifier := NewVerifier(testSecret, 2*time.Second)

	err := verifier.Verify("", testFields(), time.Now())
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, protocol.CodeMissingAuth, aerr.Code)
}

func TestVerify_TamperedFields(t *testing.T) {
	authorizer := NewAuthorizer(testSecret)
	verifier := NewVerifier(testSecret, 2*time.Second)

	now := time.Now()
	token := authorizer.Issue(testFields(), now)

	tampered := testFields()
	tampered.Volume = 100.0

	err := verifier.Verify(token, tampered, now)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, protocol.CodeInvalidAuth, aerr.Code)
}

func TestVerify_WrongSecret(t *testing.T) {
	authorizer := NewAuthorizer("other-secret")
	verifier := NewVerifier(testSecret, 2*time.Second)

	token := authorizer.Issue(testFields(), time.Now())

	err := verifier.Verify(token, testFields(), time.Now())
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, protocol.CodeInvalidAuth, aerr.Code)
}

func TestVerify_MalformedToken(t *testing.T) {
	verifier := NewVerifier(testSecret, 2*time.Second)

	for _, token := range []string{
		"AUTH_FAIL:abc:123",
		"AUTH_PASS:onlyonepart",
		"AUTH_PASS:checksum:notanumber:extra",
		"garbage",
	} {
		err := verifier.Verify(token, testFields(), time.Now())
		var aerr *Error
		require.ErrorAs(t, err, &aerr, "token %q", token)
		assert.Equal(t, protocol.CodeInvalidAuth, aerr.Code, "token %q", token)
	}
}

func TestIssue_TokenFormat(t *testing.T) {
	authorizer := NewAuthorizer(testSecret)
	issued := time.UnixMilli(1700000000000)

	token := authorizer.Issue(testFields(), issued)
	assert.Regexp(t, `^AUTH_PASS:[0-9a-f]{64}:1700000000000$`, token)
}
