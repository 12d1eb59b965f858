package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/crowdwarn/crowdwarn/internal/errors"
)

// SMTPConfig addresses the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// ShoutrrrTransport sends e-mail through shoutrrr's smtp service. Each
// session caches one sender per recipient.
type ShoutrrrTransport struct {
	cfg SMTPConfig
}

// NewShoutrrrTransport validates cfg and returns the transport.
func NewShoutrrrTransport(cfg SMTPConfig) (*ShoutrrrTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, errors.Newf("smtp host and from address are required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &ShoutrrrTransport{cfg: cfg}, nil
}

// Open starts a session. No connection is made until the first Send.
func (t *ShoutrrrTransport) Open(context.Context) (Session, error) {
	return &shoutrrrSession{transport: t, senders: make(map[string]*router.ServiceRouter)}, nil
}

// URL returns the shoutrrr smtp URL delivering to recipient.
func (t *ShoutrrrTransport) URL(recipient string) string {
	u := url.URL{
		Scheme: "smtp",
		Host:   net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port)),
		Path:   "/",
	}
	if t.cfg.Username != "" {
		u.User = url.UserPassword(t.cfg.Username, t.cfg.Password)
	}
	q := url.Values{}
	q.Set("from", t.cfg.From)
	q.Set("to", recipient)
	u.RawQuery = q.Encode()
	return u.String()
}

type shoutrrrSession struct {
	transport *ShoutrrrTransport
	senders   map[string]*router.ServiceRouter
}

func (s *shoutrrrSession) Send(_ context.Context, recipient, subject, body string) error {
	sender, err := s.sender(recipient)
	if err != nil {
		return err
	}

	params := stypes.Params{}
	params.SetTitle(subject)
	for _, e := range sender.Send(body, &params) {
		if e != nil {
			return s.transportError(e, recipient)
		}
	}
	return nil
}

func (s *shoutrrrSession) sender(recipient string) (*router.ServiceRouter, error) {
	if sender, ok := s.senders[recipient]; ok {
		return sender, nil
	}
	sender, err := shoutrrr.CreateSender(s.transport.URL(recipient))
	if err != nil {
		return nil, s.transportError(err, recipient)
	}
	if s.transport.cfg.Timeout > 0 {
		sender.Timeout = s.transport.cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	s.senders[recipient] = sender
	return sender, nil
}

func (s *shoutrrrSession) Close() error {
	clear(s.senders)
	return nil
}

// transportError wraps err with the smtp password removed from its text.
func (s *shoutrrrSession) transportError(err error, recipient string) error {
	msg := err.Error()
	if pw := s.transport.cfg.Password; pw != "" {
		msg = strings.ReplaceAll(msg, url.QueryEscape(pw), "***")
		msg = strings.ReplaceAll(msg, pw, "***")
	}
	return errors.New(fmt.Errorf("smtp delivery: %s", msg)).
		Component("notification").
		Category(errors.CategoryTransport).
		Context("recipient", recipient).
		Build()
}
