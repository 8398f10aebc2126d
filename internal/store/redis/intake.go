package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"execengine/internal/model"
)

// Default intake stream keys.
const (
	IntentStream     = "exec:intents"
	FillRecordStream = "exec:fill_records"
	QuoteStream      = "exec:quotes"
)

// Submitter places orders for trade intents.
type Submitter interface {
	Submit(ctx context.Context, intent model.TradeIntent) (model.Order, error)
}

// FillRecordStore persists contract-note fill records for reconciliation.
type FillRecordStore interface {
	SaveFillRecord(ctx context.Context, r model.FillRecord) error
}

// IntentHandler submits each intent. Redelivery is safe because submission
// is idempotent on ClientRequestID, so only a halted engine or a cancelled
// context leaves the message pending.
func IntentHandler(sub Submitter) Handler {
	return func(ctx context.Context, data []byte) error {
		var intent model.TradeIntent
		if err := json.Unmarshal(data, &intent); err != nil {
			return Permanent(fmt.Errorf("decode intent: %w", err))
		}
		_, err := sub.Submit(ctx, intent)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, model.ErrHalted), errors.Is(err, context.Canceled):
			return err
		default:
			return Permanent(err)
		}
	}
}

// FillRecordHandler stores each fill record. Store failures are retried.
func FillRecordHandler(store FillRecordStore) Handler {
	return func(ctx context.Context, data []byte) error {
		var rec model.FillRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return Permanent(fmt.Errorf("decode fill record: %w", err))
		}
		if rec.InstrumentID == "" || rec.Quantity <= 0 || !rec.Price.IsPositive() || rec.Timestamp.IsZero() {
			return Permanent(fmt.Errorf("fill record incomplete: %+v", rec))
		}
		return store.SaveFillRecord(ctx, rec)
	}
}

// QuoteHandler hands each quote to mark.
func QuoteHandler(mark func(model.Quote)) Handler {
	return func(ctx context.Context, data []byte) error {
		var q model.Quote
		if err := json.Unmarshal(data, &q); err != nil {
			return Permanent(fmt.Errorf("decode quote: %w", err))
		}
		if q.InstrumentID == "" || !q.Price.IsPositive() {
			return Permanent(fmt.Errorf("quote incomplete: %+v", q))
		}
		mark(q)
		return nil
	}
}
