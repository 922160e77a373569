package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/cdmorrow/vigil/pkg/logger"
)

// AlertService defines the interface for sending security alert emails.
// Delivery failures are logged by callers but never veto the operation that
// triggered the alert.
type AlertService interface {
	SendEnrollmentActivatedAlert(ctx context.Context, email string) error
	SendRecoveryStartedAlert(ctx context.Context, email string) error
	SendEnrollmentResetAlert(ctx context.Context, email string) error
	SendMFADisabledAlert(ctx context.Context, email string) error
	SendBackupCodesRegeneratedAlert(ctx context.Context, email string) error
}

// AWSSESAlertService sends security alerts using AWS SES
type AWSSESAlertService struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESAlertService creates a new AWS SES alert service
func NewAWSSESAlertService(region, fromAddress string, logger *slog.Logger) (*AWSSESAlertService, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESAlertService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// SendEnrollmentActivatedAlert notifies the user that two-factor
// authentication was turned on for their account.
func (s *AWSSESAlertService) SendEnrollmentActivatedAlert(ctx context.Context, email string) error {
	return s.sendAlert(ctx, email,
		"Two-factor authentication enabled",
		"Two-factor authentication was just enabled on your account. A fresh set of backup codes was issued alongside it; store them somewhere safe.",
		"If you didn't do this, your password may be compromised. Reset it immediately and contact our support team.")
}

// SendRecoveryStartedAlert notifies the user that a backup code was used to
// begin account recovery.
func (s *AWSSESAlertService) SendRecoveryStartedAlert(ctx context.Context, email string) error {
	return s.sendAlert(ctx, email,
		"Account recovery started",
		"A backup code was used to start two-factor recovery on your account. The recovery link is valid for a short time and can only be used once.",
		"If you didn't request this, reset your password now and contact our support team.")
}

// SendEnrollmentResetAlert notifies the user that their authenticator
// enrollment was wiped through recovery.
func (s *AWSSESAlertService) SendEnrollmentResetAlert(ctx context.Context, email string) error {
	return s.sendAlert(ctx, email,
		"Two-factor authentication reset",
		"Two-factor authentication on your account was reset through account recovery. The previous authenticator app and all backup codes no longer work, and a new setup must be completed before two-factor protection resumes.",
		"If you didn't do this, reset your password now and contact our support team.")
}

// SendMFADisabledAlert notifies the user that two-factor authentication was
// removed from their account.
func (s *AWSSESAlertService) SendMFADisabledAlert(ctx context.Context, email string) error {
	return s.sendAlert(ctx, email,
		"Two-factor authentication disabled",
		"Two-factor authentication was removed from your account. Your account is now protected by your password alone.",
		"If you didn't do this, reset your password now and re-enable two-factor authentication.")
}

// SendBackupCodesRegeneratedAlert notifies the user that their backup codes
// were replaced.
func (s *AWSSESAlertService) SendBackupCodesRegeneratedAlert(ctx context.Context, email string) error {
	return s.sendAlert(ctx, email,
		"New backup codes generated",
		"A new set of two-factor backup codes was generated for your account. All previous backup codes no longer work.",
		"If you didn't do this, reset your password now and regenerate your codes again.")
}

func (s *AWSSESAlertService) sendAlert(ctx context.Context, email, subject, detail, warning string) error {
	// Create HTML email body
	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .content { padding: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>%s</h1>
        </div>
        <div class="content">
            <p>%s</p>
            <div class="warning">
                <strong>⚠️ Wasn't you?</strong> %s
            </div>
        </div>
        <div class="footer">
            <p>This is an automated security notification. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, subject, detail, warning)

	// Create plain text email body
	textBody := fmt.Sprintf(`%s

%s

⚠️  Wasn't you? %s

This is an automated security notification. Please do not reply to this email.
`, subject, detail, warning)

	// Send email via SES
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security alert via SES",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("subject", subject),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security alert sent",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.String("subject", subject),
		slog.String("message_id", *result.MessageId))

	return nil
}

// NoopAlertService logs alerts instead of sending them. Used in development
// and tests where SES credentials are not available.
type NoopAlertService struct {
	logger *slog.Logger
}

func NewNoopAlertService(logger *slog.Logger) *NoopAlertService {
	return &NoopAlertService{logger: logger}
}

func (s *NoopAlertService) SendEnrollmentActivatedAlert(ctx context.Context, email string) error {
	return s.log("enrollment_activated", email)
}

func (s *NoopAlertService) SendRecoveryStartedAlert(ctx context.Context, email string) error {
	return s.log("recovery_started", email)
}

func (s *NoopAlertService) SendEnrollmentResetAlert(ctx context.Context, email string) error {
	return s.log("enrollment_reset", email)
}

func (s *NoopAlertService) SendMFADisabledAlert(ctx context.Context, email string) error {
	return s.log("mfa_disabled", email)
}

func (s *NoopAlertService) SendBackupCodesRegeneratedAlert(ctx context.Context, email string) error {
	return s.log("backup_codes_regenerated", email)
}

func (s *NoopAlertService) log(event, email string) error {
	s.logger.Info("security alert suppressed",
		slog.String("event", event),
		slog.String("email", logger.SanitizedEmail(email)))
	return nil
}
