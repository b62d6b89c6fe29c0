// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/notify-engine/internal/channel"
	"github.com/nhle/notify-engine/internal/model"
)

// PasswordFunc resolves the SMTP password at send time.
type PasswordFunc func(ctx context.Context) (string, error)

// Config configures the SMTP adapter.
type Config struct {
	Host        string
	Port        int
	From        string
	Username    string
	ImplicitTLS bool
	// TLSConfig overrides the default TLS settings (tests use it to trust
	// a local server).
	TLSConfig *tls.Config
	// Insecure disables TLS entirely; only for local relays.
	Insecure bool
}

// Adapter submits messages to an SMTP server.
type Adapter struct {
	cfg      Config
	password PasswordFunc
	now      func() time.Time
}

// NewAdapter creates an SMTP adapter. password may be nil for relays
// that do not authenticate.
func NewAdapter(cfg Config, password PasswordFunc) *Adapter {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Adapter{cfg: cfg, password: password, now: time.Now}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() model.Channel { return model.ChannelEmail }

// Send implements channel.Adapter. The message is accepted for delivery
// once the server acknowledges DATA.
func (a *Adapter) Send(ctx context.Context, to channel.Recipient, c channel.Content) (channel.Receipt, error) {
	if to.Email == "" {
		return channel.Receipt{}, channel.PermanentError(model.ChannelEmail, nil, "recipient has no email address")
	}
	from, err := mail.ParseAddress(a.cfg.From)
	if err != nil {
		return channel.Receipt{}, channel.PermanentError(model.ChannelEmail, err, "invalid sender %q", a.cfg.From)
	}
	rcpt, err := mail.ParseAddress(to.Email)
	if err != nil {
		return channel.Receipt{}, channel.PermanentError(model.ChannelEmail, err, "invalid recipient %q", to.Email)
	}
	if rcpt.Name == "" {
		rcpt.Name = to.Name
	}

	msg, id, err := buildMessage(from, rcpt, c, a.now())
	if err != nil {
		return channel.Receipt{}, channel.PermanentError(model.ChannelEmail, err, "composing message")
	}

	client, err := a.connect(ctx)
	if err != nil {
		return channel.Receipt{}, err
	}
	defer client.Close()

	if err := a.authenticate(ctx, client); err != nil {
		return channel.Receipt{}, err
	}

	if err := client.SendMail(from.Address, []string{rcpt.Address}, bytes.NewReader(msg)); err != nil {
		return channel.Receipt{}, classify(err, "sending message")
	}
	// The message is already accepted; a failed QUIT changes nothing.
	_ = client.Quit()

	return channel.Receipt{ProviderRef: id}, nil
}

func (a *Adapter) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	tlsConfig := a.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: a.cfg.Host, MinVersion: tls.VersionTLS12}
	}

	var conn net.Conn
	var err error
	if a.cfg.ImplicitTLS && !a.cfg.Insecure {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, channel.TransientError(model.ChannelEmail, err, "connecting to %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client := smtp.NewClient(conn)
	if !a.cfg.ImplicitTLS && !a.cfg.Insecure {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, classify(err, "starting TLS")
		}
	}
	return client, nil
}

func (a *Adapter) authenticate(ctx context.Context, client *smtp.Client) error {
	if a.cfg.Username == "" || a.password == nil {
		return nil
	}
	password, err := a.password(ctx)
	if err != nil {
		return channel.PermanentError(model.ChannelEmail, err, "resolving SMTP password")
	}
	if err := client.Auth(sasl.NewPlainClient("", a.cfg.Username, password)); err != nil {
		return classify(err, "authenticating as "+a.cfg.Username)
	}
	return nil
}

// classify splits SMTP replies into retryable 4xx and final 5xx failures.
// Anything that is not an SMTP reply is a network problem and retryable.
func classify(err error, what string) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return channel.PermanentError(model.ChannelEmail, err, "%s", what)
	}
	return channel.TransientError(model.ChannelEmail, err, "%s", what)
}
