package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/model"
)

// EmailMessage is a plain-text email
type EmailMessage struct {
	From      string
	To        string
	Subject   string
	Body      string
	MessageID string
}

// EmailProvider transmits email and returns the provider's message id
type EmailProvider interface {
	Name() string
	Send(ctx context.Context, msg EmailMessage) (string, error)
}

// EmailAdapter delivers EMAIL notifications through an EmailProvider
type EmailAdapter struct {
	logger   *zap.Logger
	from     string
	provider EmailProvider
}

// NewEmailAdapter creates an email adapter
func NewEmailAdapter(logger *zap.Logger, from string, provider EmailProvider) *EmailAdapter {
	return &EmailAdapter{
		logger:   logger.Named("email"),
		from:     from,
		provider: provider,
	}
}

func (a *EmailAdapter) Channel() model.Channel { return model.ChannelEmail }

func (a *EmailAdapter) Send(ctx context.Context, n *model.Notification) (SendResult, error) {
	msg := EmailMessage{
		From:      a.from,
		To:        n.Address,
		Subject:   n.Subject,
		Body:      n.Message,
		MessageID: fmt.Sprintf("<%s@%s>", n.TrackingID, domainOf(a.from)),
	}

	id, err := a.provider.Send(ctx, msg)
	if err != nil {
		a.logger.Warn("Email delivery failed",
			zap.String("provider", a.provider.Name()),
			zap.String("tracking_id", n.TrackingID),
			zap.Error(err))
		return SendResult{}, err
	}

	a.logger.Debug("Email sent",
		zap.String("provider", a.provider.Name()),
		zap.String("tracking_id", n.TrackingID),
		zap.String("message_id", id))
	return SendResult{ExternalID: id}, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "casewatch.local"
}

// SMTPProvider sends email over SMTP with STARTTLS when the server offers it
type SMTPProvider struct {
	cfg config.SMTPConfig
}

// NewSMTPProvider creates an SMTP provider
func NewSMTPProvider(cfg config.SMTPConfig) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Send(ctx context.Context, msg EmailMessage) (string, error) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return "", err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
			return "", err
		}
	}
	if p.cfg.Username != "" {
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return "", err
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return "", err
	}
	if err := c.Rcpt(msg.To); err != nil {
		return "", err
	}
	w, err := c.Data()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(formatMessage(msg, time.Now())); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return msg.MessageID, c.Quit()
}

func formatMessage(msg EmailMessage, at time.Time) []byte {
	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Message-ID: %s\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		msg.From,
		msg.To,
		msg.Subject,
		msg.MessageID,
		at.Format(time.RFC1123Z),
		strings.ReplaceAll(msg.Body, "\n", "\r\n")))
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends email through Amazon SES
type SESProvider struct {
	client sesAPI
}

// NewSESProvider loads the default AWS credential chain for region
func NewSESProvider(ctx context.Context, region string) (*SESProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SESProvider{client: sesv2.NewFromConfig(cfg)}, nil
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Send(ctx context.Context, msg EmailMessage) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("SES send failed: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}
