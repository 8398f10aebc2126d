package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execengine/internal/model"
)

// Replay calls fn for every ledger entry in insertion order. It stops at the
// first error, so a corrupt row halts recovery instead of being skipped.
func (l *Ledger) Replay(ctx context.Context, fn func(model.LedgerEntry) error) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, seq, kind, order_json, fill_json, recorded_at
		FROM order_events
		ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("sqlite query order_events: %w", err)
	}

	// Drain before calling back so fn may use the ledger.
	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			id, recorded int64
			e            model.LedgerEntry
			kind         string
			orderJSON    string
			fillJSON     sql.NullString
		)
		if err := rows.Scan(&id, &e.Seq, &kind, &orderJSON, &fillJSON, &recorded); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite scan order_events: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		e.RecordedAt = time.Unix(0, recorded).UTC()
		if err := json.Unmarshal([]byte(orderJSON), &e.Order); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite decode order at row %d: %w", id, err)
		}
		if fillJSON.Valid {
			var f model.Fill
			if err := json.Unmarshal([]byte(fillJSON.String), &f); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite decode fill at row %d: %w", id, err)
			}
			e.Fill = &f
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// History returns every ledger entry for one order, oldest first.
func (l *Ledger) History(ctx context.Context, clientRequestID string) ([]model.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, kind, order_json, fill_json, recorded_at
		FROM order_events
		WHERE client_request_id = ?
		ORDER BY id ASC
	`, clientRequestID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query history: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var (
			e         model.LedgerEntry
			kind      string
			orderJSON string
			fillJSON  sql.NullString
			recorded  int64
		)
		if err := rows.Scan(&e.Seq, &kind, &orderJSON, &fillJSON, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite scan history: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		e.RecordedAt = time.Unix(0, recorded).UTC()
		if err := json.Unmarshal([]byte(orderJSON), &e.Order); err != nil {
			return nil, fmt.Errorf("sqlite decode order: %w", err)
		}
		if fillJSON.Valid {
			var f model.Fill
			if err := json.Unmarshal([]byte(fillJSON.String), &f); err != nil {
				return nil, fmt.Errorf("sqlite decode fill: %w", err)
			}
			e.Fill = &f
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns the most recent audit events, newest first. An empty kind
// returns every kind.
func (l *Ledger) Events(ctx context.Context, kind model.EventKind, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, payload, ts
		FROM events
		WHERE ? = '' OR kind = ?
		ORDER BY ts DESC
		LIMIT ?
	`, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev      model.Event
			k       string
			payload string
			ts      int64
		)
		if err := rows.Scan(&ev.ID, &k, &payload, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan events: %w", err)
		}
		ev.Kind = model.EventKind(k)
		ev.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("sqlite decode event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FillRecords returns stored contract-note records with timestamps at or
// after since.
func (l *Ledger) FillRecords(ctx context.Context, since time.Time) ([]model.FillRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT instrument_id, quantity, price, broker_order_id, ts
		FROM fill_records
		WHERE ts >= ?
		ORDER BY ts ASC, id ASC
	`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite query fill_records: %w", err)
	}
	defer rows.Close()

	var out []model.FillRecord
	for rows.Next() {
		var (
			r        model.FillRecord
			price    string
			brokerID sql.NullString
			ts       int64
		)
		if err := rows.Scan(&r.InstrumentID, &r.Quantity, &price, &brokerID, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan fill_records: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("sqlite decode price %q: %w", price, err)
		}
		r.Price = p
		r.BrokerOrderID = brokerID.String
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
