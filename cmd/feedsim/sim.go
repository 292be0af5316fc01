package main

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// The exchange sends prices as JSON numbers.
func init() { decimal.MarshalJSONWithoutQuotes = true }

// kline is the tick payload of one minute bucket, as the exchange sends it.
type kline struct {
	ID     int64           `json:"id"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Amount decimal.Decimal `json:"amount"`
	Vol    decimal.Decimal `json:"vol"`
	Count  int64           `json:"count"`
}

// symbolSim random-walks one instrument and keeps its current kline.
type symbolSim struct {
	symbol string
	price  decimal.Decimal
	cur    kline
	rng    *rand.Rand
}

func newSymbolSim(symbol string, start decimal.Decimal, seed int64) *symbolSim {
	return &symbolSim{symbol: symbol, price: start, rng: rand.New(rand.NewSource(seed))}
}

var (
	walkScale = decimal.New(1, -3) // ±0.1% per trade
	priceTick = decimal.New(1, -4)
)

// trade applies one simulated trade at now and returns the updated kline.
// A trade in a new minute starts a fresh kline.
func (s *symbolSim) trade(now time.Time) kline {
	pct := decimal.NewFromFloat(s.rng.Float64()*2 - 1).Mul(walkScale)
	s.price = s.price.Add(s.price.Mul(pct)).Round(4)
	if s.price.LessThan(priceTick) {
		s.price = priceTick
	}
	qty := decimal.NewFromFloat(s.rng.Float64() * 5).Round(4)

	bucket := now.Unix() - now.Unix()%60
	if s.cur.ID != bucket {
		s.cur = kline{
			ID:     bucket,
			Open:   s.price,
			High:   s.price,
			Low:    s.price,
			Amount: decimal.Zero,
			Vol:    decimal.Zero,
		}
	}
	if s.price.GreaterThan(s.cur.High) {
		s.cur.High = s.price
	}
	if s.price.LessThan(s.cur.Low) {
		s.cur.Low = s.price
	}
	s.cur.Close = s.price
	s.cur.Amount = s.cur.Amount.Add(qty)
	s.cur.Vol = s.cur.Vol.Add(qty.Mul(s.price)).Round(8)
	s.cur.Count++
	return s.cur
}
