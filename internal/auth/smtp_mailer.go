package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/wneessen/go-mail"
)

type SMTPOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	RequireTLS bool
	// BaseURL is where the web app serves the verify and reset pages.
	BaseURL string
}

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPMailer sends account emails through an SMTP relay.
type SMTPMailer struct {
	sender   mailSender
	from     string
	fromName string
	baseURL  string
}

func NewSMTPMailer(opts SMTPOptions) (*SMTPMailer, error) {
	if opts.Host == "" || opts.From == "" {
		return nil, errors.New("smtp host and sender address are required")
	}

	policy := mail.TLSOpportunistic
	if opts.RequireTLS {
		policy = mail.TLSMandatory
	}
	clientOpts := []mail.Option{mail.WithPort(opts.Port), mail.WithTLSPortPolicy(policy)}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}

	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init smtp client: %w", err)
	}
	return newSMTPMailer(client, opts), nil
}

func newSMTPMailer(sender mailSender, opts SMTPOptions) *SMTPMailer {
	return &SMTPMailer{sender: sender, from: opts.From, fromName: opts.FromName, baseURL: opts.BaseURL}
}

var (
	verificationBody = template.Must(template.New("verification").Parse(`Hi,

please confirm your email address by opening the link below:

{{.Link}}

If you did not create an account you can ignore this message.
`))

	passwordResetBody = template.Must(template.New("password_reset").Parse(`Hi,

we received a request to reset your password. Open the link below to choose a new one:

{{.Link}}

The link works once. If you did not ask for a reset you can ignore this message; your password stays unchanged.
`))
)

func (m *SMTPMailer) SendVerification(ctx context.Context, email, token string) error {
	return m.send(ctx, email, "Verify your email address", verificationBody, verificationLink(m.baseURL, token))
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	return m.send(ctx, email, "Reset your password", passwordResetBody, passwordResetLink(m.baseURL, token))
}

func (m *SMTPMailer) send(ctx context.Context, to, subject string, body *template.Template, link string) error {
	var text bytes.Buffer
	if err := body.Execute(&text, struct{ Link string }{Link: link}); err != nil {
		return fmt.Errorf("render %s email: %w", body.Name(), err)
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(m.fromName, m.from); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, text.String())

	if err := m.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send %s email: %w", body.Name(), err)
	}
	return nil
}
