package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// MaxSubIDLength bounds the free-form sub id carried in click links.
const MaxSubIDLength = 100

// Claims identify the impression a click link was issued for.
type Claims struct {
	ImpressionID string
	AdID         string
	SessionID    string
	CreatorID    string
	SubID        string
	IssuedAt     time.Time
}

// payload structure for encoding/decoding
type payload struct {
	ImpID   string `json:"i"`
	AdID    string `json:"a"`
	Session string `json:"s"`
	Creator string `json:"c"`
	SubID   string `json:"sub,omitempty"`
	TS      int64  `json:"t"`
}

// Generate creates a signed token for the given claims. IssuedAt is set to
// the current time when zero.
func Generate(c Claims, secret []byte) (string, error) {
	if c.ImpressionID == "" {
		return "", fmt.Errorf("impression id is required")
	}
	if len(c.SubID) > MaxSubIDLength {
		return "", fmt.Errorf("sub id too long: %d chars, max %d", len(c.SubID), MaxSubIDLength)
	}
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	pl := payload{
		ImpID:   c.ImpressionID,
		AdID:    c.AdID,
		Session: c.SessionID,
		Creator: c.CreatorID,
		SubID:   c.SubID,
		TS:      issued.Unix(),
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token integrity and expiry and returns its claims.
// A ttl of zero disables the expiry check.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil || pl.ImpID == "" {
		return Claims{}, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && time.Since(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{
		ImpressionID: pl.ImpID,
		AdID:         pl.AdID,
		SessionID:    pl.Session,
		CreatorID:    pl.Creator,
		SubID:        pl.SubID,
		IssuedAt:     issued,
	}, nil
}
