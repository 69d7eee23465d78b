package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLSPolicy is one of "mandatory", "opportunistic", "none".
	TLSPolicy string
	Timeout   time.Duration
}

// SMTPTransport delivers messages over SMTP.
type SMTPTransport struct {
	mu     sync.Mutex
	client *gomail.Client
}

// NewSMTPTransport builds a transport; it does not dial until first use.
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host is required")
	}
	policy, err := parseTLSPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	opts := []gomail.Option{gomail.WithTLSPortPolicy(policy)}
	if cfg.Port == 465 {
		opts = append(opts, gomail.WithSSL())
	}
	if cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, gomail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPTransport{client: client}, nil
}

// Send builds a multipart message and delivers it in one dial.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMsg()
	var err error
	if msg.FromName != "" {
		err = m.FromFormat(msg.FromName, msg.From)
	} else {
		err = m.From(msg.From)
	}
	if err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := m.AddToFormat(msg.ToName, msg.To); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetMessageIDWithValue(msg.MessageID)
	m.SetDate()
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.DialAndSendWithContext(ctx, m)
}

// Verify dials and authenticates without sending.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return t.client.Close()
}

func parseTLSPolicy(raw string) (gomail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "mandatory":
		return gomail.TLSMandatory, nil
	case "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "none":
		return gomail.NoTLS, nil
	default:
		return gomail.TLSMandatory, fmt.Errorf("unknown smtp tls policy %q", raw)
	}
}
