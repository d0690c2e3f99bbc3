package storage

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Signer produces and checks the md5-based download signatures carried on
// storage URLs. The digest covers the expiry, the URI path, and the shared
// secret; tampering with any of the three invalidates the link.
type Signer struct {
	secret           string
	sessionExpires   time.Duration
	temporaryExpires time.Duration

	now func() time.Time
}

func NewSigner(secret string, sessionExpires, temporaryExpires time.Duration) *Signer {
	return &Signer{
		secret:           secret,
		sessionExpires:   sessionExpires,
		temporaryExpires: temporaryExpires,
		now:              time.Now,
	}
}

func (s *Signer) expiry(urlType URLType) time.Duration {
	if urlType == URLTypeTemporary {
		return s.temporaryExpires
	}
	return s.sessionExpires
}

func (s *Signer) digest(expires int64, uri string) string {
	sum := md5.Sum([]byte(strconv.FormatInt(expires, 10) + uri + s.secret))
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	encoded = strings.ReplaceAll(encoded, "+", "-")
	encoded = strings.ReplaceAll(encoded, "/", "_")
	return strings.TrimRight(encoded, "=")
}

// SignedURL builds baseURL + /key with the md5, expires, and filename query
// parameters appended.
func (s *Signer) SignedURL(baseURL, key string, urlType URLType, filename string) (string, error) {
	if s.secret == "" {
		return "", fmt.Errorf("storage secret is not configured")
	}
	uri := "/" + strings.TrimPrefix(key, "/")
	expires := s.now().Unix() + int64(s.expiry(urlType).Seconds())

	query := url.Values{}
	query.Set("md5", s.digest(expires, uri))
	query.Set("expires", strconv.FormatInt(expires, 10))
	if filename != "" {
		query.Set("filename", filename)
	}
	return strings.TrimRight(baseURL, "/") + uri + "?" + query.Encode(), nil
}

// Verify checks a download request's signature and expiry. The uri must be
// the decoded request path, without query parameters.
func (s *Signer) Verify(uri, md5Param, expiresParam string) error {
	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expires parameter: %w", err)
	}
	if s.now().Unix() > expires {
		return fmt.Errorf("signed url expired")
	}
	want := s.digest(expires, uri)
	if subtle.ConstantTimeCompare([]byte(want), []byte(md5Param)) != 1 {
		return fmt.Errorf("signed url digest mismatch")
	}
	return nil
}
