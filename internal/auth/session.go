package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenIssuer is the iss claim on self-issued bearer tokens.
const tokenIssuer = "taskowl"

// ErrTokenExpired is returned by Verify when the token's exp claim has passed.
var ErrTokenExpired = errors.New("token expired")

// ErrTokenInvalid is returned by Verify for malformed or mis-signed tokens.
var ErrTokenInvalid = errors.New("token invalid")

// TokenClaims are the claims embedded in a bearer token. The role is the only
// authoritative authorization datum; capability sets are reconstructed from it
// on every verify and never trusted from the payload.
type TokenClaims struct {
	Role string `json:"role"`
}

// SessionManager issues and validates self-signed bearer JWTs using HMAC-SHA256.
type SessionManager struct {
	signingKey []byte
	tokenTTL   time.Duration
}

// NewSessionManager creates a session manager. The secret must be at least 32 bytes.
func NewSessionManager(secret string, tokenTTL time.Duration) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &SessionManager{
		signingKey: []byte(secret),
		tokenTTL:   tokenTTL,
	}, nil
}

// Issue creates a signed JWT for the principal. The payload carries the
// subject and role plus the issuer and time claims (iat, nbf, exp);
// capabilities are never included.
func (sm *SessionManager) Issue(p *Principal) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: sm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   p.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(sm.tokenTTL)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(TokenClaims{Role: p.Role}).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify checks the JWT signature and expiry and returns the principal with
// its capability set expanded from the role claim.
func (sm *SessionManager) Verify(raw string) (*Principal, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: parsing token: %v", ErrTokenInvalid, err)
	}

	var registered jwt.Claims
	var custom TokenClaims
	if err := tok.Claims(sm.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("%w: verifying signature: %v", ErrTokenInvalid, err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: tokenIssuer,
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: validating claims: %v", ErrTokenInvalid, err)
	}

	return NewPrincipal(registered.Subject, custom.Role), nil
}
