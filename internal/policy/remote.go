package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nhle/notify-engine/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	defaultAPIURL    = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// APIKeyFunc resolves the oracle API key at call time, so a rotated
// credential is picked up without a restart.
type APIKeyFunc func(ctx context.Context) (string, error)

// RemoteOracle asks a hosted language model for a plan over the Messages
// API and parses its JSON answer.
type RemoteOracle struct {
	url       string
	model     string
	maxTokens int
	apiKey    APIKeyFunc
	client    *http.Client
}

// RemoteConfig configures a RemoteOracle.
type RemoteConfig struct {
	URL       string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// NewRemoteOracle creates a remote oracle.
func NewRemoteOracle(cfg RemoteConfig, apiKey APIKeyFunc, client *http.Client) *RemoteOracle {
	if cfg.URL == "" {
		cfg.URL = defaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteOracle{
		url:       cfg.URL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		apiKey:    apiKey,
		client:    client,
	}
}

// Name implements Oracle.
func (o *RemoteOracle) Name() string { return "remote" }

// Propose implements Oracle.
func (o *RemoteOracle) Propose(ctx context.Context, req Request) (Proposal, error) {
	prompt, err := buildUserPrompt(req)
	if err != nil {
		return Proposal{}, err
	}

	resp, err := o.callAPI(ctx, prompt)
	if err != nil {
		return Proposal{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseDecision(text.String())
}

// callAPI makes a single request to the Messages API.
func (o *RemoteOracle) callAPI(ctx context.Context, prompt string) (*apiResponse, error) {
	key, err := o.apiKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving oracle api key: %w", err)
	}

	reqBody := apiRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		System:    systemPrompt,
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: prompt}},
		}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling oracle API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d)", resp.StatusCode)
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &result, nil
}

const systemPrompt = `You plan reminders for calendar events.
Answer with a single JSON object and nothing else:
{"entries":[{"offset_minutes":<int>,"channel":"email"|"call","priority":"normal"|"high"}],
 "call_script":"<one or two sentences read to the user>",
 "email_subject":"<subject line>",
 "email_body":"<short plain-text paragraph>"}
Use at most max_entries entries. Prefer the channels the user accepts.
Typical offsets are 1440, 120, 30 and 5 minutes before the start.`

type promptEvent struct {
	Title     string `json:"title"`
	Organizer string `json:"organizer,omitempty"`
	Location  string `json:"location,omitempty"`
	StartsAt  string `json:"starts_at"`
	EndsAt    string `json:"ends_at"`
}

type promptPreference struct {
	Channel             string `json:"channel"`
	QuietHours          string `json:"quiet_hours,omitempty"`
	Weekend             string `json:"weekend_policy"`
	EscalationThreshold int    `json:"escalation_threshold_minutes"`
}

type promptHistory struct {
	Channel  string `json:"channel"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
}

type promptBody struct {
	Now        string           `json:"now"`
	MaxEntries int              `json:"max_entries"`
	Event      promptEvent      `json:"event"`
	Preference promptPreference `json:"preference"`
	History    []promptHistory  `json:"history,omitempty"`
}

// buildUserPrompt renders the request in the user's local time so the
// model reasons about the same clock the user sees.
func buildUserPrompt(req Request) (string, error) {
	loc := req.Preference.Location()
	body := promptBody{
		Now:        req.Now.In(loc).Format(time.RFC3339),
		MaxEntries: req.MaxEntries,
		Event: promptEvent{
			Title:     req.Event.Title,
			Organizer: req.Event.Organizer,
			Location:  req.Event.Location,
			StartsAt:  req.Event.StartsAt.In(loc).Format(time.RFC3339),
			EndsAt:    req.Event.EndsAt.In(loc).Format(time.RFC3339),
		},
		Preference: promptPreference{
			Channel:             string(req.Preference.Channel),
			Weekend:             string(req.Preference.Weekend),
			EscalationThreshold: int(req.Preference.EscalationThreshold / time.Minute),
		},
	}
	if req.Preference.Quiet.Enabled() {
		body.Preference.QuietHours = req.Preference.Quiet.Start.String() + "-" + req.Preference.Quiet.End.String()
	}
	for _, h := range req.History {
		body.History = append(body.History, promptHistory{
			Channel:  string(h.Channel),
			Status:   string(h.Status),
			Response: string(h.Response),
		})
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling prompt: %w", err)
	}
	return string(b), nil
}

type decision struct {
	Entries []struct {
		OffsetMinutes int    `json:"offset_minutes"`
		Channel       string `json:"channel"`
		Priority      string `json:"priority"`
	} `json:"entries"`
	CallScript   string `json:"call_script"`
	EmailSubject string `json:"email_subject"`
	EmailBody    string `json:"email_body"`
}

// parseDecision extracts the JSON object from the model's text, tolerating
// surrounding prose or code fences.
func parseDecision(text string) (Proposal, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Proposal{}, errors.New("no JSON object in oracle answer")
	}

	var d decision
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Proposal{}, fmt.Errorf("decoding oracle answer: %w", err)
	}

	p := Proposal{
		Hints: model.ContentHints{
			CallScript:   d.CallScript,
			EmailSubject: d.EmailSubject,
			EmailBody:    d.EmailBody,
		},
	}
	for _, e := range d.Entries {
		p.Entries = append(p.Entries, model.PlanEntry{
			Offset:   time.Duration(e.OffsetMinutes) * time.Minute,
			Channel:  model.Channel(e.Channel),
			Priority: model.Priority(e.Priority),
		})
	}
	return p, nil
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
