package transport

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"
)

// Interfaces over the AWS clients for mocking.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender delivers campaign messages as SMS through SNS.
type SNSSender struct {
	client   SNSService
	senderID string
	logger   logger.Logger
}

func NewSNSSender(ctx context.Context, region, senderID string, log logger.Logger) (*SNSSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SNSSender{
		client:   sns.NewFromConfig(awsCfg),
		senderID: senderID,
		logger:   log.WithFields(map[string]interface{}{"component": "sns-sender"}),
	}, nil
}

func (s *SNSSender) SendToAddress(ctx context.Context, userID, address string, content models.MessageContent, vars map[string]string) (*Receipt, error) {
	if err := validateAddress(address); err != nil {
		return nil, errors.NewPerRecipientError(address, err)
	}

	body := RenderContent(content.Body, vars)
	input := &sns.PublishInput{
		PhoneNumber: aws.String(address),
		Message:     aws.String(body),
	}
	if s.senderID != "" {
		input.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.senderID),
			},
		}
	}

	out, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, classifySendError(address, err)
	}

	messageID := uuid.New().String()
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &Receipt{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}

// SESSender delivers campaign messages as email through SES.
type SESSender struct {
	client    SESService
	fromEmail string
	logger    logger.Logger
}

func NewSESSender(ctx context.Context, region, fromEmail string, log logger.Logger) (*SESSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SESSender{
		client:    ses.NewFromConfig(awsCfg),
		fromEmail: fromEmail,
		logger:    log.WithFields(map[string]interface{}{"component": "ses-sender"}),
	}, nil
}

func (s *SESSender) SendToAddress(ctx context.Context, userID, address string, content models.MessageContent, vars map[string]string) (*Receipt, error) {
	if err := validateAddress(address); err != nil {
		return nil, errors.NewPerRecipientError(address, err)
	}

	body := RenderContent(content.Body, vars)
	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &sestypes.Destination{
			ToAddresses: []string{address},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(subjectFor(content))},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(body)},
				Html: &sestypes.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(s.fromEmail),
	})
	if err != nil {
		return nil, classifySendError(address, err)
	}

	messageID := uuid.New().String()
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &Receipt{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}

func subjectFor(content models.MessageContent) string {
	if content.MessageType == "template" {
		return "Campaign update"
	}
	line := content.Body
	if idx := strings.IndexByte(line, '\n'); idx > 0 {
		line = line[:idx]
	}
	if len(line) > 78 {
		line = line[:78]
	}
	return line
}

// classifySendError sorts provider failures into the session class, which
// requeues the whole batch, and the per-recipient class, which only marks
// the one address failed.
func classifySendError(address string, err error) error {
	if errors.IsSessionError(err) {
		return errors.NewTransportError(err)
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"invalid parameter",
		"invalid phone",
		"invalid address",
		"not verified",
		"rejected",
		"opted out",
	} {
		if strings.Contains(msg, phrase) {
			return errors.NewPerRecipientError(address, err)
		}
	}
	// throttling and connection faults recover with the session path
	for _, phrase := range []string{"throttl", "rate exceeded", "timeout", "connection"} {
		if strings.Contains(msg, phrase) {
			return errors.NewTransportError(err)
		}
	}
	return errors.NewPerRecipientError(address, err)
}
