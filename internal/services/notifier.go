package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/qbh/portal/internal/models"
	pkglogger "github.com/qbh/portal/pkg/logger"
)

// Notifier delivers out-of-band messages to users
type Notifier interface {
	SendDeviceCode(ctx context.Context, user *models.User, code string, pending models.DeviceVerificationCode) error
	SendPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) error
}

// SESAPI is the subset of the SES client used by SESNotifier
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier sends notifications as email through AWS SES
type SESNotifier struct {
	client      SESAPI
	fromAddress string
	resetURL    string
	logger      *slog.Logger
}

// NewSESNotifier loads the default AWS configuration for region and returns
// a notifier sending from fromAddress.
func NewSESNotifier(ctx context.Context, region, fromAddress, resetURL string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, resetURL, logger), nil
}

// NewSESNotifierWithClient wraps an existing SES client
func NewSESNotifierWithClient(client SESAPI, fromAddress, resetURL string, logger *slog.Logger) *SESNotifier {
	return &SESNotifier{client: client, fromAddress: fromAddress, resetURL: resetURL, logger: logger}
}

// SendDeviceCode emails a mobile device verification code
func (n *SESNotifier) SendDeviceCode(ctx context.Context, user *models.User, code string, pending models.DeviceVerificationCode) error {
	minutes := int(time.Until(pending.ExpiresAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	text := fmt.Sprintf(`Your QBH Portal verification code

A sign-in was requested from a new device: %s (%s).

Your verification code is: %s

This code expires in %d minutes. If you did not try to sign in, change your password and contact support.

This is an automated message. Please do not reply to this email.
`, pending.DeviceName, pending.Platform, code, minutes)

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h1>Verify your new device</h1>
    <p>A sign-in was requested from <strong>%s</strong> (%s).</p>
    <p style="font-size: 28px; letter-spacing: 6px;"><strong>%s</strong></p>
    <p>This code expires in %d minutes.</p>
    <p>If you did not try to sign in, change your password and contact support.</p>
    <p style="color: #666; font-size: 12px;">This is an automated message. Please do not reply to this email.</p>
</body>
</html>
`, pending.DeviceName, pending.Platform, code, minutes)

	return n.send(ctx, user.Email, "Your QBH Portal verification code", text, html)
}

// SendPasswordReset emails a password reset link carrying token
func (n *SESNotifier) SendPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) error {
	link := n.resetURL + "?token=" + url.QueryEscape(token)

	text := fmt.Sprintf(`Reset your QBH Portal password

We received a request to reset your password. Use the link below to choose a new one:

%s

The link expires at %s. If you did not request a reset, you can ignore this email.
`, link, expiresAt.UTC().Format(time.RFC1123))

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h1>Reset your password</h1>
    <p>We received a request to reset your password.</p>
    <p><a href="%s" style="display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px;">Choose a new password</a></p>
    <p>The link expires at %s. If you did not request a reset, you can ignore this email.</p>
</body>
</html>
`, link, expiresAt.UTC().Format(time.RFC1123))

	return n.send(ctx, user.Email, "Reset your QBH Portal password", text, html)
}

func (n *SESNotifier) send(ctx context.Context, to, subject, text, html string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(html)},
				Text: &types.Content{Data: aws.String(text)},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send email via SES",
			slog.String("email", pkglogger.SanitizedEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("email sent",
		slog.String("email", pkglogger.SanitizedEmail(to)),
		slog.String("subject", subject),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// LogNotifier writes notifications to the log instead of delivering them.
// Codes and tokens are redacted in production.
type LogNotifier struct {
	logger *slog.Logger
	env    string
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *slog.Logger, env string) *LogNotifier {
	return &LogNotifier{logger: logger, env: env}
}

func (n *LogNotifier) SendDeviceCode(ctx context.Context, user *models.User, code string, pending models.DeviceVerificationCode) error {
	n.logger.InfoContext(ctx, "device verification code issued",
		slog.String("user_id", user.ID),
		slog.String("device_id", pending.DeviceID),
		pkglogger.RedactedAttr("code", code, n.env),
		slog.Time("expires_at", pending.ExpiresAt))
	return nil
}

func (n *LogNotifier) SendPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) error {
	n.logger.InfoContext(ctx, "password reset issued",
		slog.String("user_id", user.ID),
		pkglogger.RedactedAttr("token", token, n.env),
		slog.Time("expires_at", expiresAt))
	return nil
}
