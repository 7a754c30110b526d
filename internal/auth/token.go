package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ismaiel54/order-bridge/internal/protocol"
)

// SchemeTag prefixes every authorization token
const SchemeTag = "AUTH_PASS"

// Fields are the order attributes bound into the token checksum
type Fields struct {
	Symbol     string
	Side       string
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
}

// FieldsFromOrder extracts the checksum-bound fields from an order request
func FieldsFromOrder(o *protocol.OrderOpenRequest) Fields {
	return Fields{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Volume:     o.Volume,
		Price:      o.Price,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
	}
}

// canonical produces the deterministic string the checksum is computed over
func (f Fields) canonical() string {
	parts := []string{
		f.Symbol,
		f.Side,
		strconv.FormatFloat(f.Volume, 'f', -1, 64),
		strconv.FormatFloat(f.Price, 'f', -1, 64),
		strconv.FormatFloat(f.StopLoss, 'f', -1, 64),
		strconv.FormatFloat(f.TakeProfit, 'f', -1, 64),
	}
	return strings.Join(parts, "|")
}

func checksum(secret []byte, f Fields) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(f.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Error is an authorization failure with a machine-readable code
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Authorizer issues tokens. It stands in for the external risk collaborator's
// authorize() in tests and in-process wiring.
type Authorizer struct {
	secret []byte
}

// NewAuthorizer creates an authorizer with the shared secret
func NewAuthorizer(secret string) *Authorizer {
	return &Authorizer{secret: []byte(secret)}
}

// Issue creates a token binding the order fields at the given issue time
func (a *Authorizer) Issue(f Fields, issuedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", SchemeTag, checksum(a.secret, f), issuedAt.UnixMilli())
}

// Verifier validates token integrity and freshness on the execution host
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier creates a verifier with the shared secret and token TTL
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// Verify checks the token against the order fields. Check order is fixed:
// presence, then checksum integrity, then freshness.
func (v *Verifier) Verify(token string, f Fields, now time.Time) error {
	if token == "" {
		return &Error{Code: protocol.CodeMissingAuth, Msg: "authorization token is required"}
	}

	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != SchemeTag {
		return &Error{Code: protocol.CodeInvalidAuth, Msg: "malformed authorization token"}
	}

	want := checksum(v.secret, f)
	if !hmac.Equal([]byte(parts[1]), []byte(want)) {
		return &Error{Code: protocol.CodeInvalidAuth, Msg: "authorization checksum mismatch"}
	}

	issuedMillis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return &Error{Code: protocol.CodeInvalidAuth, Msg: "malformed issue timestamp"}
	}
	issuedAt := time.UnixMilli(issuedMillis)
	if now.Sub(issuedAt) > v.ttl {
		return &Error{
			Code: protocol.CodeExpiredAuth,
			Msg:  fmt.Sprintf("token issued %s ago exceeds ttl %s", now.Sub(issuedAt), v.ttl),
		}
	}

	return nil
}
