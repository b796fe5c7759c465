package main

import (
	"context"
	"log/slog"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
	"github.com/glimte/queuebus/serialization"
)

// GetParity asks whether ID is even.
type GetParity struct {
	ID int `json:"id"`
}

// Parity answers GetParity.
type Parity struct {
	ID   int  `json:"id"`
	Even bool `json:"even"`
}

func parityTypes() (*serialization.TypeRegistry, error) {
	types := serialization.NewTypeRegistry()
	if err := serialization.Register[*GetParity](types, "demo.GetParity"); err != nil {
		return nil, err
	}
	if err := serialization.Register[*Parity](types, "demo.Parity"); err != nil {
		return nil, err
	}
	return types, nil
}

func parityHandler(logger *slog.Logger) messaging.HandlerRegistration {
	return messaging.Handle("demo.GetParity", func(ctx context.Context, q *GetParity, msg *contracts.Message) error {
		even := q.ID%2 == 0
		logger.Debug("answering", "id", q.ID, "even", even, "messageId", msg.ID())
		return messaging.ReplyFrom(ctx, msg, &Parity{ID: q.ID, Even: even})
	})
}
