package transport

import (
	"context"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"campaign-dispatch/internal/common/logger"
)

// Interfaces over the AWS verification calls for mocking.
type SESQuotaService interface {
	GetSendQuota(ctx context.Context, params *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error)
}

type SNSAttributesService interface {
	GetSMSAttributes(ctx context.Context, params *sns.GetSMSAttributesInput, optFns ...func(*sns.Options)) (*sns.GetSMSAttributesOutput, error)
}

// SESSessionProbe verifies the SES session for the health monitor. IsUsable
// checks the sending quota is reachable and not exhausted; Reconnect rebuilds
// the client from a fresh credential chain.
type SESSessionProbe struct {
	mu     sync.Mutex
	client SESQuotaService
	region string
	logger logger.Logger
}

func NewSESSessionProbe(ctx context.Context, region string, log logger.Logger) (*SESSessionProbe, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SESSessionProbe{
		client: ses.NewFromConfig(awsCfg),
		region: region,
		logger: log.WithFields(map[string]interface{}{"component": "ses-probe"}),
	}, nil
}

func (p *SESSessionProbe) IsUsable(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	out, err := client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return false, err
	}
	// Max24HourSend of -1 means unlimited sending.
	if out.Max24HourSend > 0 && out.SentLast24Hours >= out.Max24HourSend {
		p.logger.Warn("ses daily quota exhausted", map[string]interface{}{
			"userId": userID,
			"sent":   out.SentLast24Hours,
			"max":    out.Max24HourSend,
		})
		return false, nil
	}
	return true, nil
}

func (p *SESSessionProbe) Reconnect(ctx context.Context, userID string) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.client = ses.NewFromConfig(awsCfg)
	p.mu.Unlock()
	p.logger.Info("ses client rebuilt", map[string]interface{}{"userId": userID})
	return nil
}

// SNSSessionProbe verifies the SNS session the same way, using the account
// SMS attributes as the reachability call.
type SNSSessionProbe struct {
	mu     sync.Mutex
	client SNSAttributesService
	region string
	logger logger.Logger
}

func NewSNSSessionProbe(ctx context.Context, region string, log logger.Logger) (*SNSSessionProbe, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SNSSessionProbe{
		client: sns.NewFromConfig(awsCfg),
		region: region,
		logger: log.WithFields(map[string]interface{}{"component": "sns-probe"}),
	}, nil
}

func (p *SNSSessionProbe) IsUsable(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if _, err := client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{}); err != nil {
		return false, err
	}
	return true, nil
}

func (p *SNSSessionProbe) Reconnect(ctx context.Context, userID string) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.client = sns.NewFromConfig(awsCfg)
	p.mu.Unlock()
	p.logger.Info("sns client rebuilt", map[string]interface{}{"userId": userID})
	return nil
}
