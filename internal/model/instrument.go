package model

import (
	"fmt"
	"strings"
)

// Instrument identifies a tradeable symbol on an exchange.
// The canonical InstrumentID form is "EXCHANGE:TRADINGSYMBOL:TOKEN",
// e.g. "NSE:SBIN-EQ:3045".
type Instrument struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"trading_symbol"`
	Token         string `json:"token"`
}

// ParseInstrument splits an InstrumentID into its parts.
func ParseInstrument(id string) (Instrument, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Instrument{}, fmt.Errorf("instrument %q: want EXCHANGE:SYMBOL:TOKEN", id)
	}
	return Instrument{Exchange: parts[0], TradingSymbol: parts[1], Token: parts[2]}, nil
}

// ID returns the canonical InstrumentID.
func (i Instrument) ID() string {
	return i.Exchange + ":" + i.TradingSymbol + ":" + i.Token
}

// Key returns the exchange-scoped key: "exchange:token".
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}
