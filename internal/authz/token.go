// Package authz is the operator-token layer gating the control plane's
// mutating debug endpoints (ruleset reload). It is not a general-purpose
// auth system: response-action authorization is out of scope (spec.md §1),
// this package exists only as the roadmap stub for it.
package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the operator token's claim set.
type Claims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub"`
}

// IssueToken signs a short-lived RS256 operator token for subject, valid
// for ttl from now.
func IssueToken(priv *rsa.PrivateKey, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   subject,
		},
		Subject: subject,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("authz: sign token: %w", err)
	}
	return signed, nil
}

// ParseRSAPublicKeyPEM decodes a PEM-encoded PKIX public key (as written by
// `openssl rsa -pubout`) into an *rsa.PublicKey for use with VerifyToken.
func ParseRSAPublicKeyPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("authz: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("authz: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("authz: key is not RSA")
	}
	return rsaPub, nil
}

// VerifyToken validates tokenStr's RS256 signature against pubKey and
// returns its claims.
func VerifyToken(pubKey *rsa.PublicKey, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("authz: unexpected signing method %v", t.Method)
		}
		return pubKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, fmt.Errorf("authz: parse token: %w", err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("authz: invalid token")
	}
	return claims, nil
}
