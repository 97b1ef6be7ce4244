// Package ses adapts AWS SES to the store.MessageChannel contract for
// out-of-band challenge delivery.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/bastion-sec/bastion/internal/models"
)

// Channel sends challenge codes through AWS SES
type Channel struct {
	client      *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewChannel loads the AWS configuration for the region and builds a sender
func NewChannel(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*Channel, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Channel{
		client:      ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// Send delivers the payload to the contact address. Delivery failures are
// reported as retryable via models.ErrDeliveryFailed.
func (c *Channel) Send(ctx context.Context, contact, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(c.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{contact},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(body),
				},
			},
		},
	}

	result, err := c.client.SendEmail(ctx, input)
	if err != nil {
		c.logger.Error("failed to send challenge code via SES", slog.Any("error", err))
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailed, err)
	}

	c.logger.Info("challenge code sent", slog.String("message_id", *result.MessageId))
	return nil
}
