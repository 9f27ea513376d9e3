package sender

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"smallbiznis-messaging/pkg/config"
)

const UnsubscribeTokenMaxAge = 30 * 24 * time.Hour

var (
	ErrInvalidUnsubscribeToken = errors.New("invalid unsubscribe token")
	ErrExpiredUnsubscribeToken = errors.New("unsubscribe token expired")
)

type UnsubscribeClaims struct {
	ContactID string `json:"c,omitempty"`
	ShopID    string `json:"s"`
	Phone     string `json:"p"`
	IssuedAt  int64  `json:"t"`
}

// UnsubscribeSigner issues and checks HMAC-signed opt-out tokens of the form
// base64url(claims) "." base64url(sig).
type UnsubscribeSigner struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// NewUnsubscribeSigner returns nil when no secret is configured; messages then
// go out without an opt-out link.
func NewUnsubscribeSigner(cfg *config.Config) *UnsubscribeSigner {
	if cfg.Links.UnsubscribeSecret == "" {
		return nil
	}
	return &UnsubscribeSigner{
		secret:  []byte(cfg.Links.UnsubscribeSecret),
		baseURL: strings.TrimRight(cfg.Links.BaseURL, "/"),
		now:     time.Now,
	}
}

func (s *UnsubscribeSigner) Token(claims UnsubscribeClaims) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = s.now().Unix()
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + s.sign(payload), nil
}

func (s *UnsubscribeSigner) URL(claims UnsubscribeClaims) (string, error) {
	token, err := s.Token(claims)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/unsubscribe/" + token, nil
}

func (s *UnsubscribeSigner) Verify(token string) (*UnsubscribeClaims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return nil, ErrInvalidUnsubscribeToken
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(payload))) {
		return nil, ErrInvalidUnsubscribeToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidUnsubscribeToken
	}
	var claims UnsubscribeClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrInvalidUnsubscribeToken
	}

	if s.now().Sub(time.Unix(claims.IssuedAt, 0)) > UnsubscribeTokenMaxAge {
		return nil, ErrExpiredUnsubscribeToken
	}
	return &claims, nil
}

func (s *UnsubscribeSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
