package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds one Send call including its retry.
const DefaultTimeout = 15 * time.Second

// Code classifies a failed delivery.
type Code string

const (
	CodeNotConfigured    Code = "not_configured"
	CodeTimeout          Code = "timeout"
	CodeInvalidRecipient Code = "invalid_recipient"
	CodeUnknownTemplate  Code = "unknown_template"
	CodeSendFailed       Code = "send_failed"
)

// ErrTransient marks a transport failure worth one retry.
var ErrTransient = errors.New("transient delivery failure")

// Message is a rendered email handed to a Transport.
type Message struct {
	MessageID string
	From      string
	FromName  string
	To        string
	ToName    string
	Subject   string
	HTML      string
	Text      string
}

// Transport delivers rendered messages.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Verify(ctx context.Context) error
}

// Result is the outcome of one Send. Failures never escape as errors or panics.
type Result struct {
	Success     bool      `json:"success"`
	MessageID   string    `json:"messageId,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
	Error       string    `json:"error,omitempty"`
	Code        Code      `json:"code,omitempty"`
	Subject     string    `json:"-"`
	From        string    `json:"-"`
	Attempts    int       `json:"-"`
}

// Config configures the dispatcher.
type Config struct {
	From     string
	FromName string
	Timeout  time.Duration
}

// Dispatcher renders templates and delivers them through a Transport with a hard timeout.
type Dispatcher struct {
	transport Transport
	from      string
	fromName  string
	timeout   time.Duration
	templates map[Template]emailTemplate
	now       func() time.Time
}

// NewDispatcher builds a dispatcher. A nil transport or empty sender leaves it
// unconfigured: every Send then reports CodeNotConfigured.
func NewDispatcher(transport Transport, cfg Config) (*Dispatcher, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		transport: transport,
		from:      strings.TrimSpace(cfg.From),
		fromName:  strings.TrimSpace(cfg.FromName),
		timeout:   timeout,
		templates: templates,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Configured reports whether a transport and sender are set.
func (d *Dispatcher) Configured() bool {
	return d != nil && d.transport != nil && d.from != ""
}

// From returns the sender address.
func (d *Dispatcher) From() string {
	if d == nil {
		return ""
	}
	return d.from
}

// Send renders tpl for the recipient and delivers it, racing the configured timeout.
// A transient failure is retried once inside the same window.
func (d *Dispatcher) Send(ctx context.Context, tpl Template, toEmail, toName string, data TemplateData) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mail dispatch panic", "template", tpl, "panic", r)
			res = Result{Error: fmt.Sprintf("dispatch panic: %v", r), Code: CodeSendFailed}
		}
	}()
	if !d.Configured() {
		return Result{Error: "mail delivery is not configured", Code: CodeNotConfigured}
	}
	toEmail = strings.TrimSpace(toEmail)
	if addr, err := mail.ParseAddress(toEmail); err != nil || addr.Address != toEmail {
		return Result{Error: fmt.Sprintf("invalid recipient %q", toEmail), Code: CodeInvalidRecipient}
	}
	et, ok := d.templates[tpl]
	if !ok {
		return Result{Error: fmt.Sprintf("unknown template %q", tpl), Code: CodeUnknownTemplate}
	}
	if strings.TrimSpace(toName) == "" {
		toName = toEmail
	}
	data.RecipientName = toName
	if data.Timestamp.IsZero() {
		data.Timestamp = d.now()
	}
	out, err := et.render(data)
	if err != nil {
		return Result{Error: err.Error(), Code: CodeSendFailed}
	}
	msg := Message{
		MessageID: d.newMessageID(),
		From:      d.from,
		FromName:  d.fromName,
		To:        toEmail,
		ToName:    toName,
		Subject:   out.subject,
		HTML:      out.html,
		Text:      out.text,
	}
	base := Result{MessageID: msg.MessageID, Subject: msg.Subject, From: msg.From}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		err      error
		attempts int
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("transport panic: %v", r), attempts: 1}
			}
		}()
		err := d.transport.Send(ctx, msg)
		attempts := 1
		if err != nil && isTransient(err) && ctx.Err() == nil {
			attempts++
			err = d.transport.Send(ctx, msg)
		}
		done <- outcome{err: err, attempts: attempts}
	}()

	select {
	case o := <-done:
		base.Attempts = o.attempts
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				base.Error = fmt.Sprintf("delivery timed out after %s", d.timeout)
				base.Code = CodeTimeout
				return base
			}
			base.Error = o.err.Error()
			base.Code = CodeSendFailed
			return base
		}
		base.Success = true
		base.DeliveredAt = d.now()
		return base
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			base.Error = fmt.Sprintf("delivery timed out after %s", d.timeout)
			base.Code = CodeTimeout
			return base
		}
		base.Error = ctx.Err().Error()
		base.Code = CodeSendFailed
		return base
	}
}

// VerifyConfiguration performs a transport handshake without sending mail.
func (d *Dispatcher) VerifyConfiguration(ctx context.Context) error {
	if !d.Configured() {
		return errors.New("mail delivery is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.transport.Verify(ctx)
}

func (d *Dispatcher) newMessageID() string {
	domain := "localhost"
	if at := strings.LastIndex(d.from, "@"); at >= 0 && at < len(d.from)-1 {
		domain = d.from[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var temp interface{ IsTemp() bool }
	if errors.As(err, &temp) {
		return temp.IsTemp()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
