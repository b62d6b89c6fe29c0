package call

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Signer validates callback signatures: base64 HMAC-SHA1, keyed by the
// auth token, over the full callback URL followed by every POST parameter
// name and value sorted by name.
type Signer struct {
	authToken AuthTokenFunc
}

// NewSigner creates a signer over the provider auth token.
func NewSigner(authToken AuthTokenFunc) *Signer {
	return &Signer{authToken: authToken}
}

// Sign computes the signature for fullURL and params.
func (s *Signer) Sign(ctx context.Context, fullURL string, params url.Values) (string, error) {
	token, err := s.authToken(ctx)
	if err != nil {
		return "", err
	}
	return sign(token, fullURL, params), nil
}

// Valid reports whether signature matches fullURL and params.
func (s *Signer) Valid(ctx context.Context, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	want, err := s.Sign(ctx, fullURL, params)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

func sign(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
