package common

import (
	"context"
	"errors"
)

var (
	// ErrRejected marks a submission the broker definitively refused. Any
	// other submit error leaves the order's fate unknown.
	ErrRejected = errors.New("order rejected")
	// ErrOrderNotFound is returned by OrderStatus when the broker has no
	// record of the client id.
	ErrOrderNotFound = errors.New("order not found")
)

// Gateway abstracts a futures broker connection. Implementations deliver all
// market data and order notifications on Events, in arrival order.
type Gateway interface {
	Connect(ctx context.Context) error
	Close() error

	SubscribeTrades(ctx context.Context, symbol, exchange string) error
	UnsubscribeTrades(ctx context.Context, symbol string) error
	SubscribePositions(ctx context.Context, account string) error

	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyOrder(ctx context.Context, clientID string, req ModifyRequest) error
	CancelOrder(ctx context.Context, clientID string) error
	// OrderStatus reports the broker's current view of an order.
	OrderStatus(ctx context.Context, clientID string) (OrderUpdate, error)
	Position(ctx context.Context, account, symbol string) (PositionUpdate, error)

	Events() <-chan Event
}
