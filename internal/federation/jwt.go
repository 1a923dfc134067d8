package federation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vibetunnel/server/internal/vterr"
)

// HandoffClaims is a short-lived ES256 JWT HQ mints when proxying a
// WebSocket or SSE connection to a remote peer, adapted from the
// teacher's browser direct-mode HandoffClaims: it lets a client hold a
// token scoped to one session and one peer without ever seeing the
// peer's own long-lived bearer token.
type HandoffClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	PeerID    string `json:"pid"`
}

// GenerateSigningKey creates a new P-256 key for signing handoff tokens.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, vterr.Wrap(vterr.ConfigError, err)
	}
	return key, nil
}

// ParseSigningKeyPEM parses a PEM or base64-DER encoded P-256 private key.
func ParseSigningKeyPEM(data string) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, vterr.Wrap(vterr.ConfigError, err)
		}
		return key, nil
	}
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, vterr.Wrap(vterr.ConfigError, err)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, vterr.Wrap(vterr.ConfigError, err)
	}
	return key, nil
}

// IssueHandoffToken mints a 5-minute handoff token scoped to one session
// on one peer.
func IssueHandoffToken(key *ecdsa.PrivateKey, sessionID, peerID string) (string, error) {
	claims := HandoffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		},
		SessionID: sessionID,
		PeerID:    peerID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", vterr.Wrap(vterr.ConfigError, err)
	}
	return signed, nil
}

// ValidateHandoffToken verifies an ES256 handoff token and returns its claims.
func ValidateHandoffToken(pub *ecdsa.PublicKey, tokenString string) (*HandoffClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &HandoffClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, vterr.New(vterr.Unauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, vterr.Wrap(vterr.Unauthenticated, err)
	}
	claims, ok := token.Claims.(*HandoffClaims)
	if !ok || !token.Valid {
		return nil, vterr.Sentinel(vterr.Unauthenticated)
	}
	return claims, nil
}
