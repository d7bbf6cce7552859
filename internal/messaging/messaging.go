// Package messaging abstracts the broker carrying question lifecycle events.
package messaging

import "context"

// Delivery is one received message held under a lock until it is settled
type Delivery interface {
	ID() string
	Body() []byte
	// DeliveryCount is the number of times the broker has handed out this message
	DeliveryCount() uint32
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	// RenewLock extends the peek-lock while the message is still being worked on
	RenewLock(ctx context.Context) error
	DeadLetter(ctx context.Context, reason, description string) error
}

// Receiver pulls deliveries from a subscription
type Receiver interface {
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Close(ctx context.Context) error
}

// Source opens receivers, one per consuming worker
type Source interface {
	NewReceiver() (Receiver, error)
}

// Publisher sends messages to the lifecycle topic
type Publisher interface {
	Publish(ctx context.Context, messageID string, body interface{}) error
	Close(ctx context.Context) error
}
