// Package call places voice calls through a Twilio-compatible REST API.
// The call reads the reminder, gathers a single key press and reports
// progress through status callbacks.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nhle/notify-engine/internal/channel"
	"github.com/nhle/notify-engine/internal/model"
)

// AuthTokenFunc resolves the provider auth token at call time.
type AuthTokenFunc func(ctx context.Context) (string, error)

// Config configures the call adapter.
type Config struct {
	// BaseURL is the API root, e.g. https://api.twilio.com/2010-04-01.
	BaseURL       string
	AccountSID    string
	From          string
	GatherTimeout time.Duration
}

// Adapter places calls.
type Adapter struct {
	cfg        Config
	authToken  AuthTokenFunc
	httpClient *http.Client
}

// NewAdapter creates a call adapter. The dispatcher bounds each request
// through ctx; httpClient may be nil.
func NewAdapter(cfg Config, authToken AuthTokenFunc, httpClient *http.Client) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 8 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{cfg: cfg, authToken: authToken, httpClient: httpClient}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() model.Channel { return model.ChannelCall }

type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Send implements channel.Adapter. A placed call is reported as pending;
// its outcome arrives on the status callback.
func (a *Adapter) Send(ctx context.Context, to channel.Recipient, c channel.Content) (channel.Receipt, error) {
	if to.Phone == "" {
		return channel.Receipt{}, channel.PermanentError(model.ChannelCall, nil, "recipient has no phone number")
	}
	if c.GatherURL == "" {
		return channel.Receipt{}, channel.PermanentError(model.ChannelCall, nil, "call content has no gather URL")
	}

	twiml, err := GatherTwiML(c.Script, c.GatherURL, a.cfg.GatherTimeout)
	if err != nil {
		return channel.Receipt{}, channel.PermanentError(model.ChannelCall, err, "rendering call script")
	}

	token, err := a.authToken(ctx)
	if err != nil {
		return channel.Receipt{}, channel.PermanentError(model.ChannelCall, err, "resolving auth token")
	}

	form := url.Values{}
	form.Set("To", to.Phone)
	form.Set("From", a.cfg.From)
	form.Set("Twiml", string(twiml))
	if c.StatusURL != "" {
		form.Set("StatusCallback", c.StatusURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", a.cfg.BaseURL, url.PathEscape(a.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.Receipt{}, channel.PermanentError(model.ChannelCall, err, "creating request")
	}
	req.SetBasicAuth(a.cfg.AccountSID, token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return channel.Receipt{}, channel.TransientError(model.ChannelCall, err, "placing call")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return channel.Receipt{}, channel.TransientError(model.ChannelCall, err, "reading response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.Receipt{}, statusError(resp.StatusCode, body)
	}

	var cr callResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return channel.Receipt{}, channel.TransientError(model.ChannelCall, err, "decoding response")
	}
	if cr.SID == "" {
		return channel.Receipt{}, channel.TransientError(model.ChannelCall, nil, "provider returned no call sid")
	}

	return channel.Receipt{ProviderRef: cr.SID, Pending: true}, nil
}

// statusError classifies a non-2xx reply: throttling and server errors
// are retried, any other client error is final.
func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("provider returned %d", status)
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = fmt.Sprintf("provider returned %d: %s (code %d)", status, er.Message, er.Code)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return channel.TransientError(model.ChannelCall, nil, "%s", msg)
	}
	return channel.PermanentError(model.ChannelCall, nil, "%s", msg)
}
