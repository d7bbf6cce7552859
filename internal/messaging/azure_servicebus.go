package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/config"
)

// AzureClient wraps an Azure Service Bus client bound to the questions
// topic/subscription (or a plain queue)
type AzureClient struct {
	client       *azservicebus.Client
	queue        string
	topic        string
	subscription string
}

// NewAzureClient creates a new Azure Service Bus client
func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	if cfg.ConnectionString == "" {
		return nil, config.ErrMissingBroker
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &AzureClient{
		client:       client,
		queue:        cfg.Queue,
		topic:        cfg.Topic,
		subscription: cfg.Subscription,
	}, nil
}

// NewReceiver opens a peek-lock receiver. Each worker owns its receiver
// since a receiver may not be read from concurrently.
func (a *AzureClient) NewReceiver() (Receiver, error) {
	opts := &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	}

	var (
		receiver *azservicebus.Receiver
		err      error
	)
	if a.topic != "" {
		receiver, err = a.client.NewReceiverForSubscription(a.topic, a.subscription, opts)
	} else {
		receiver, err = a.client.NewReceiverForQueue(a.queue, opts)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create receiver for %s", a.entity())
	}

	return &azureReceiver{receiver: receiver}, nil
}

// NewPublisher opens a sender on the same entity the receivers read from
func (a *AzureClient) NewPublisher() (Publisher, error) {
	target := a.queue
	if a.topic != "" {
		target = a.topic
	}

	sender, err := a.client.NewSender(target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sender for %s", target)
	}
	return &azurePublisher{sender: sender}, nil
}

// Close closes the client
func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}

func (a *AzureClient) entity() string {
	if a.topic != "" {
		return a.topic + "/" + a.subscription
	}
	return a.queue
}

type azureReceiver struct {
	receiver *azservicebus.Receiver
}

func (r *azureReceiver) Receive(ctx context.Context, max int) ([]Delivery, error) {
	messages, err := r.receiver.ReceiveMessages(ctx, max, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive messages")
	}

	deliveries := make([]Delivery, len(messages))
	for i, message := range messages {
		deliveries[i] = &azureDelivery{message: message, receiver: r.receiver}
	}
	return deliveries, nil
}

func (r *azureReceiver) Close(ctx context.Context) error {
	return r.receiver.Close(ctx)
}

type azureDelivery struct {
	message  *azservicebus.ReceivedMessage
	receiver *azservicebus.Receiver
}

func (d *azureDelivery) ID() string {
	return d.message.MessageID
}

func (d *azureDelivery) Body() []byte {
	return d.message.Body
}

func (d *azureDelivery) DeliveryCount() uint32 {
	return d.message.DeliveryCount
}

func (d *azureDelivery) Complete(ctx context.Context) error {
	return errors.Wrap(d.receiver.CompleteMessage(ctx, d.message, nil), "failed to complete message")
}

func (d *azureDelivery) Abandon(ctx context.Context) error {
	return errors.Wrap(d.receiver.AbandonMessage(ctx, d.message, nil), "failed to abandon message")
}

func (d *azureDelivery) RenewLock(ctx context.Context) error {
	return errors.Wrap(d.receiver.RenewMessageLock(ctx, d.message, nil), "failed to renew message lock")
}

func (d *azureDelivery) DeadLetter(ctx context.Context, reason, description string) error {
	err := d.receiver.DeadLetterMessage(ctx, d.message, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &description,
	})
	return errors.Wrap(err, "failed to dead-letter message")
}

type azurePublisher struct {
	sender *azservicebus.Sender
}

// Publish sends body as JSON. The message id lets the broker drop
// duplicates when duplicate detection is enabled on the entity.
func (p *azurePublisher) Publish(ctx context.Context, messageID string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message body")
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		MessageID:   &messageID,
		ContentType: &contentType,
		Body:        data,
		ApplicationProperties: map[string]interface{}{
			"source": "search-service",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	log.Debug().Str("message_id", messageID).Msg("Message published")
	return nil
}

func (p *azurePublisher) Close(ctx context.Context) error {
	return p.sender.Close(ctx)
}
