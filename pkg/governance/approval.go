package governance

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ApprovalClaims is the payload of a human approval token.
type ApprovalClaims struct {
	Agent      string `json:"agent"`
	ActionType string `json:"action_type"`
	jwt.RegisteredClaims
}

// ApprovalVerifier mints and checks HS256 approval tokens. A token approves
// exactly one (agent, action type) pair until it expires.
type ApprovalVerifier struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// ErrApprovalMismatch reports a valid token issued for a different action.
var ErrApprovalMismatch = errors.New("approval token does not cover this action")

// NewApprovalVerifier creates a verifier. An empty secret is rejected.
func NewApprovalVerifier(secret string) (*ApprovalVerifier, error) {
	if secret == "" {
		return nil, errors.New("approval secret is empty")
	}
	return &ApprovalVerifier{secret: []byte(secret), issuer: "monolith", clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *ApprovalVerifier) WithClock(clock func() time.Time) *ApprovalVerifier {
	v.clock = clock
	return v
}

// Mint issues a token by approver for agent/actionType valid for ttl.
func (v *ApprovalVerifier) Mint(approver, agent, actionType string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := ApprovalClaims{
		Agent:      agent,
		ActionType: actionType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign approval: %w", err)
	}
	return signed, nil
}

// Verify checks token and returns the approver it names.
func (v *ApprovalVerifier) Verify(token, agent, actionType string) (string, error) {
	var claims ApprovalClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", fmt.Errorf("verify approval: %w", err)
	}
	if claims.Agent != agent || claims.ActionType != actionType {
		return "", ErrApprovalMismatch
	}
	return claims.Subject, nil
}
