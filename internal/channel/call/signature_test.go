package call

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner(staticToken)
	ctx := context.Background()
	fullURL := "https://notify.example.com/webhooks/call/status"
	params := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "AccountSid": {"AC123"}}

	sig, err := s.Sign(ctx, fullURL, params)
	require.NoError(t, err)
	assert.True(t, s.Valid(ctx, fullURL, params, sig))

	tests := []struct {
		name   string
		url    string
		params url.Values
		sig    string
	}{
		{"empty signature", fullURL, params, ""},
		{"other url", fullURL + "?x=1", params, sig},
		{"changed param", fullURL, url.Values{"CallSid": {"CA1"}, "CallStatus": {"busy"}, "AccountSid": {"AC123"}}, sig},
		{"extra param", fullURL, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "AccountSid": {"AC123"}, "Digits": {"1"}}, sig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, s.Valid(ctx, tt.url, tt.params, tt.sig))
		})
	}
}

func TestSignatureIgnoresParamOrder(t *testing.T) {
	a := sign("secret", "https://x/cb", url.Values{"B": {"2"}, "A": {"1"}})
	b := sign("secret", "https://x/cb", url.Values{"A": {"1"}, "B": {"2"}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, sign("other", "https://x/cb", url.Values{"A": {"1"}, "B": {"2"}}))
}

func TestSignerTokenError(t *testing.T) {
	s := NewSigner(func(context.Context) (string, error) { return "", errors.New("no token") })
	assert.False(t, s.Valid(context.Background(), "https://x/cb", url.Values{}, "sig"))
}
