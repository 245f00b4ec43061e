package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange defines the venue capabilities consumed by the engine. The
// concrete client is provided by the embedding application; the engine
// ships a mock implementation for tests and dry-run.
type IExchange interface {
	// Identity
	Name() string

	// Book subscriptions. The callback fires on every top-of-book change
	// until ctx is cancelled; the implementation owns reconnection.
	SubscribePerpBook(ctx context.Context, coin string, cb func(BookTop)) error
	SubscribeSpotBook(ctx context.Context, spotIndex string, cb func(BookTop)) error

	// Order operations
	PlaceOrder(ctx context.Context, spec OrderSpec) (OrderAck, error)
	CancelOrder(ctx context.Context, market Market, coin string, orderID int64) error
	OrderStatus(ctx context.Context, market Market, coin string, orderID int64) (OrderAck, error)

	// Account operations
	SetLeverage(ctx context.Context, coin string, factor int, isCross bool) error
	PerpState(ctx context.Context) (PerpState, error)
	SpotBalances(ctx context.Context, spotIndex string) (SpotBalances, error)
	TransferUSDC(ctx context.Context, toPerp bool, amount decimal.Decimal) error

	// Instrument metadata
	InstrumentInfo(ctx context.Context, market Market, coin string) (InstrumentInfo, error)

	// ScheduleCancelAll arms a server-side cancel-all that fires at the
	// given time unless re-armed. Survives client death.
	ScheduleCancelAll(ctx context.Context, at time.Time) error
}

// IStore defines the persistence surface. Edge and opportunity writes are
// asynchronous best-effort; trade and position writes are synchronous.
type IStore interface {
	RecordEdge(rec EdgeRecord)
	RecordOpportunity(opp Opportunity)
	RecordTrade(ctx context.Context, rec TradeRecord) error
	SavePosition(ctx context.Context, pos *HedgedPosition) error
	TradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, int, error)
	Flush(ctx context.Context) error
	Close() error
}

// IBroadcaster pushes the latest edge payload to read-only observers
type IBroadcaster interface {
	BroadcastEdge(rec EdgeRecord)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
