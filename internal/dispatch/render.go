package dispatch

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/nhle/notify-engine/internal/channel"
	"github.com/nhle/notify-engine/internal/model"
)

var textTmpl = template.Must(template.New("text").Parse(
	`{{.Intro}}

{{.Title}}
When: {{.When}}{{if .Location}}
Where: {{.Location}}{{end}}{{if .Organizer}}
Organizer: {{.Organizer}}{{end}}

Confirm:    {{.Links.confirm}}
Reschedule: {{.Links.reschedule}}
Cancel:     {{.Links.cancel}}

Each link works once.
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(
	`<!DOCTYPE html>
<html><body>
<p>{{.Intro}}</p>
<h2>{{.Title}}</h2>
<p>When: {{.When}}{{if .Location}}<br>Where: {{.Location}}{{end}}{{if .Organizer}}<br>Organizer: {{.Organizer}}{{end}}</p>
<p>
<a href="{{.Links.confirm}}">Confirm</a> &middot;
<a href="{{.Links.reschedule}}">Reschedule</a> &middot;
<a href="{{.Links.cancel}}">Cancel</a>
</p>
</body></html>
`))

type emailView struct {
	Intro     string
	Title     string
	When      string
	Location  string
	Organizer string
	Links     map[string]string
}

// Renderer turns a job and its event into channel content.
type Renderer struct {
	publicURL string
}

// NewRenderer creates a renderer building links under publicURL.
func NewRenderer(publicURL string) *Renderer {
	return &Renderer{publicURL: strings.TrimRight(publicURL, "/")}
}

// RSVPURL is the link for a single action token.
func (r *Renderer) RSVPURL(token string) string {
	return r.publicURL + "/rsvp/" + token
}

// GatherURL receives the digit pressed during a call.
func (r *Renderer) GatherURL() string { return r.publicURL + "/webhooks/call/gather" }

// StatusURL receives call progress callbacks.
func (r *Renderer) StatusURL() string { return r.publicURL + "/webhooks/call/status" }

// Email renders an email with one single-action link per action.
func (r *Renderer) Email(job model.ScheduledJob, ev model.Event, loc *time.Location, tokens map[model.Action]string) (channel.Content, error) {
	links := make(map[string]string, len(tokens))
	actionLinks := make(map[model.Action]string, len(tokens))
	for a, tok := range tokens {
		u := r.RSVPURL(tok)
		links[string(a)] = u
		actionLinks[a] = u
	}

	view := emailView{
		Intro:     job.Hints.EmailBody,
		Title:     ev.Title,
		When:      formatWhen(ev, loc),
		Location:  ev.Location,
		Organizer: ev.Organizer,
		Links:     links,
	}
	if view.Intro == "" {
		view.Intro = "You have an upcoming event " + untilPhrase(leadTime(job, ev)) + "."
	}

	var text bytes.Buffer
	if err := textTmpl.Execute(&text, view); err != nil {
		return channel.Content{}, fmt.Errorf("rendering email text: %w", err)
	}
	var html bytes.Buffer
	if err := htmlTmpl.Execute(&html, view); err != nil {
		return channel.Content{}, fmt.Errorf("rendering email html: %w", err)
	}

	subject := job.Hints.EmailSubject
	if subject == "" {
		subject = "Reminder: " + ev.Title
	}
	if job.Urgent() {
		subject = "[Urgent] " + subject
	}

	return channel.Content{
		Event:       ev,
		Subject:     subject,
		Text:        text.String(),
		HTML:        html.String(),
		ActionLinks: actionLinks,
	}, nil
}

// Call renders the spoken script for a call.
func (r *Renderer) Call(job model.ScheduledJob, ev model.Event, loc *time.Location) channel.Content {
	script := job.Hints.CallScript
	if script == "" {
		script = fmt.Sprintf("This is a reminder that %s starts %s, at %s.",
			ev.Title, untilPhrase(leadTime(job, ev)), ev.StartsAt.In(loc).Format("3:04 PM"))
	}
	return channel.Content{
		Event:     ev,
		Subject:   ev.Title,
		Script:    script,
		GatherURL: r.GatherURL(),
		StatusURL: r.StatusURL(),
	}
}

func formatWhen(ev model.Event, loc *time.Location) string {
	start := ev.StartsAt.In(loc)
	s := start.Format("Mon Jan 2, 2006 3:04 PM MST")
	if !ev.EndsAt.IsZero() {
		s += " - " + ev.EndsAt.In(loc).Format("3:04 PM")
	}
	return s
}

// leadTime is how long before the event the job fires. It follows the
// trigger rather than the offset, which deferrals and immediate reminders
// leave behind.
func leadTime(job model.ScheduledJob, ev model.Event) time.Duration {
	if job.TriggerAt.IsZero() {
		return job.Offset
	}
	return ev.StartsAt.Sub(job.TriggerAt)
}

func untilPhrase(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("in %d days", int(d/(24*time.Hour)))
	case d >= 24*time.Hour:
		return "tomorrow"
	case d >= 2*time.Hour:
		return fmt.Sprintf("in %d hours", int(d/time.Hour))
	case d >= time.Hour:
		return "in an hour"
	case d > time.Minute:
		return fmt.Sprintf("in %d minutes", int(d/time.Minute))
	}
	return "now"
}
