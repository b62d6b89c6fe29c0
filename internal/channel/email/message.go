package email

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/notify-engine/internal/channel"
)

// buildMessage composes a multipart/mixed message: a text/plain and
// text/html alternative followed by an .ics attachment for the event.
func buildMessage(from *mail.Address, to *mail.Address, c channel.Content, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(c.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("reading message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("creating inline part: %w", err)
	}
	if err := writeInline(tw, "text/plain", c.Text); err != nil {
		return nil, "", err
	}
	if c.HTML != "" {
		if err := writeInline(tw, "text/html", c.HTML); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing inline part: %w", err)
	}

	if !c.Event.StartsAt.IsZero() {
		var ah mail.AttachmentHeader
		ah.SetContentType("text/calendar", map[string]string{"method": "PUBLISH", "charset": "utf-8"})
		ah.SetFilename("event.ics")
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("creating calendar attachment: %w", err)
		}
		if _, err := io.WriteString(w, eventCalendar(c, now)); err != nil {
			return nil, "", fmt.Errorf("writing calendar attachment: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("closing calendar attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing mail writer: %w", err)
	}
	return buf.Bytes(), id, nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return w.Close()
}

// eventCalendar renders the event as a single-VEVENT calendar so mail
// clients can show it inline.
func eventCalendar(c channel.Content, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//notifyd//reminder//EN")

	ev := cal.AddEvent(c.Event.ID)
	ev.SetDtStampTime(now)
	ev.SetStartAt(c.Event.StartsAt)
	if !c.Event.EndsAt.IsZero() {
		ev.SetEndAt(c.Event.EndsAt)
	}
	ev.SetSummary(c.Event.Title)
	if c.Event.Location != "" {
		ev.SetLocation(c.Event.Location)
	}
	if c.Text != "" {
		ev.SetDescription(c.Text)
	}
	ev.SetProperty(ical.ComponentPropertySequence, strconv.FormatInt(c.Event.Version, 10))

	return cal.Serialize()
}
