package transport

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
)

// SMTP delivers through a plain SMTP relay with AUTH PLAIN.
type SMTP struct {
	name string
	addr string
	auth smtp.Auth
	from string

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP creates an SMTP transport from its provider config.
func NewSMTP(cfg ProviderConfig) *SMTP {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTP{
		name: cfg.Name,
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth: auth,
		from: cfg.Username,
		send: smtp.SendMail,
	}
}

func (s *SMTP) Name() string { return s.name }

// Send submits the message. SMTP has no provider message id, so one is
// minted locally; delivery events later reference it.
func (s *SMTP) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	from := req.FromIdentity
	if from == "" {
		from = s.from
	}
	id := uuid.NewString()
	msg := buildMIME(id, from, req)

	if err := s.send(s.addr, s.auth, from, []string{req.ToAddress}, msg); err != nil {
		return SendResult{}, err
	}
	return SendResult{ProviderMessageID: id}, nil
}

func buildMIME(id, from string, req SendRequest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: <%s@relay>\r\n", id)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", req.ToAddress)
	fmt.Fprintf(&b, "Subject: %s\r\n", req.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")

	if req.BodyText != "" && req.BodyHTML != "" {
		boundary := "b-" + id
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, req.BodyText)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", boundary, req.BodyHTML)
		fmt.Fprintf(&b, "--%s--\r\n", boundary)
	} else if req.BodyHTML != "" {
		fmt.Fprintf(&b, "Content-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", req.BodyHTML)
	} else {
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", req.BodyText)
	}
	return []byte(b.String())
}
