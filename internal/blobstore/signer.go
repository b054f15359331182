package blobstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a blob access token is missing, expired or
// issued for another key.
var ErrInvalidToken = errors.New("invalid blob access token")

const tokenIssuer = "passport-check/blobs"

type blobClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// URLSigner issues and checks expiring access URLs for stored photos.
type URLSigner struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewURLSigner returns a signer producing URLs under baseURL valid for ttl.
func NewURLSigner(secret, baseURL string, ttl time.Duration) *URLSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &URLSigner{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SignedURL returns an access URL for key and the time it expires.
func (s *URLSigner) SignedURL(key string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := blobClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/blobs/%s?token=%s", s.baseURL, strings.Join(segments, "/"), url.QueryEscape(token)), expires, nil
}

// Verify checks that token grants access to key.
func (s *URLSigner) Verify(key, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	claims := &blobClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	if claims.Key != strings.TrimPrefix(key, "/") {
		return ErrInvalidToken
	}
	return nil
}
