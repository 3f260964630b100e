package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	Timeout  time.Duration
}

// SMTPSender submits mail over implicit TLS through shoutrrr's smtp service.
type SMTPSender struct {
	sender *router.ServiceRouter
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.From == "" || cfg.To == "" {
		return nil, errors.New("sender and receiver addresses are required")
	}

	s, err := newServiceSender(smtpURL(cfg), cfg.Timeout, log.New(io.Discard, "", 0))
	if err != nil {
		// the URL carries the password, keep it out of the error
		return nil, errors.New("invalid smtp configuration")
	}
	return s, nil
}

func newServiceSender(rawURL string, timeout time.Duration, logger *log.Logger) (*SMTPSender, error) {
	sender, err := shoutrrr.CreateSender(rawURL)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(logger)

	return &SMTPSender{sender: sender}, nil
}

// Send delivers msg. shoutrrr cannot abort a delivery in flight, so ctx is
// only checked before sending; the configured Timeout bounds the wait.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := stypes.Params{"subject": msg.Subject}
	for _, err := range s.sender.Send(msg.Body, &params) {
		if err != nil {
			return err
		}
	}
	return nil
}

func smtpURL(cfg SMTPConfig) string {
	u := url.URL{
		Scheme: "smtp",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/",
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	q := url.Values{}
	q.Set("fromaddress", cfg.From)
	q.Set("toaddresses", cfg.To)
	q.Set("encryption", "ImplicitTLS")
	q.Set("usestarttls", "No")
	if cfg.Username != "" {
		q.Set("auth", "Plain")
	} else {
		q.Set("auth", "None")
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (c SMTPConfig) String() string {
	return fmt.Sprintf("smtp://%s:%d from=%s to=%s", c.Host, c.Port, c.From, c.To)
}
