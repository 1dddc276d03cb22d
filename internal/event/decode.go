package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// ErrMalformed marks an entry that can never be decoded, no matter how often
// it is retried.
var ErrMalformed = errors.New("malformed event")

// PayloadField is the entry field the matching engine stores its JSON event
// in.
const PayloadField = "payload"

// Decode parses a stream entry. The entry either carries a JSON object in
// its "payload" field or is itself a flat record of fields. The returned
// payload is the event as JSON, suitable for republishing.
func Decode(values map[string]string) (Event, []byte, error) {
	var (
		f       fields
		payload []byte
	)
	if raw, ok := values[PayloadField]; ok {
		payload = []byte(raw)
		obj, err := decodeObject(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		f = obj
	} else {
		f = make(fields, len(values))
		for k, v := range values {
			f[k] = v
		}
		b, err := json.Marshal(values)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		payload = b
	}

	ev, err := decodeFields(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, payload, nil
}

// DecodeJSON parses a single JSON event object.
func DecodeJSON(data []byte) (Event, error) {
	ev, _, err := Decode(map[string]string{PayloadField: string(data)})
	return ev, err
}

func decodeObject(data []byte) (fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	return fields(obj), nil
}

func decodeFields(f fields) (Event, error) {
	typ, err := f.str("type")
	if err != nil {
		return nil, err
	}

	switch Kind(typ) {
	case KindOrderPlaced:
		return decodePlaced(f)
	case KindOrderPartial:
		return decodePartial(f)
	case KindOrderFilled:
		return decodeFilled(f)
	case KindTrade:
		return decodeTrade(f)
	case KindOrderCancelled:
		return decodeCancelled(f)
	case KindOrderRejected:
		return decodeRejected(f)
	case KindBookDepth:
		return decodeBookDepth(f)
	case KindMarketData:
		return decodeMarketData(f)
	default:
		return Unknown{Type: typ}, nil
	}
}

func decodePlaced(f fields) (Event, error) {
	var (
		ev  OrderPlaced
		err error
	)
	if ev.OrderID, err = f.int("order_id", "orderId"); err != nil {
		return nil, err
	}
	if ev.AccountID, err = f.int("account_id", "accountId"); err != nil {
		return nil, err
	}
	if ev.OutcomeID, err = f.str("outcome_id", "outcomeId"); err != nil {
		return nil, err
	}
	if ev.Side, err = f.side("side"); err != nil {
		return nil, err
	}
	if ev.Price, err = f.optInt("price"); err != nil {
		return nil, err
	}
	if ev.Quantity, err = f.positive("quantity"); err != nil {
		return nil, err
	}
	if err := checkNotional(ev.Price, ev.Quantity); err != nil {
		return nil, err
	}
	ev.TimeInForce = f.optStr("time_in_force", "timeInForce")
	if ev.Timestamp, err = f.optTime("timestamp"); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodePartial(f fields) (Event, error) {
	var (
		ev  OrderPartial
		err error
	)
	if ev.OrderID, err = f.int("order_id", "orderId"); err != nil {
		return nil, err
	}
	if ev.Remaining, err = f.int("remaining"); err != nil {
		return nil, err
	}
	if ev.Remaining < 0 {
		return nil, errors.New("remaining must not be negative")
	}
	if ev.AccountID, err = f.optInt64("account_id", "accountId"); err != nil {
		return nil, err
	}
	ev.OutcomeID = f.optStr("outcome_id", "outcomeId")
	if f.has("side") {
		if ev.Side, err = f.side("side"); err != nil {
			return nil, err
		}
	}
	if ev.Price, err = f.optInt("price"); err != nil {
		return nil, err
	}
	if ev.OriginalQuantity, err = f.optInt64("original_quantity", "originalQuantity", "quantity"); err != nil {
		return nil, err
	}
	if err := checkNotional(ev.Price, max(ev.OriginalQuantity, ev.Remaining)); err != nil {
		return nil, err
	}
	if ev.Timestamp, err = f.optTime("timestamp"); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeFilled(f fields) (Event, error) {
	ev := Trade{Source: KindOrderFilled}
	var err error
	if ev.FillID, err = f.str("fill_id", "fillId"); err != nil {
		return nil, err
	}
	if ev.BuyOrderID, err = f.int("buy_order_id", "buyOrderId"); err != nil {
		return nil, err
	}
	if ev.SellOrderID, err = f.int("sell_order_id", "sellOrderId"); err != nil {
		return nil, err
	}
	if ev.BuyerAccountID, err = f.int("buyer_account_id", "buyerAccountId"); err != nil {
		return nil, err
	}
	if ev.SellerAccountID, err = f.int("seller_account_id", "sellerAccountId"); err != nil {
		return nil, err
	}
	ev.OutcomeID = f.optStr("outcome_id", "outcomeId")
	if err := decodeTradeAmounts(f, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// decodeTrade handles the engine's taker-centric trade entry: order_id and
// account_id belong to the taker, filled_* to the resting maker, and side
// is the taker's side.
func decodeTrade(f fields) (Event, error) {
	ev := Trade{Source: KindTrade}
	var err error
	if ev.FillID, err = f.str("trade_id", "tradeId", "fill_id"); err != nil {
		return nil, err
	}
	side, err := f.side("side")
	if err != nil {
		return nil, err
	}
	takerOrder, err := f.int("order_id", "orderId")
	if err != nil {
		return nil, err
	}
	takerAccount, err := f.int("account_id", "accountId")
	if err != nil {
		return nil, err
	}
	makerOrder, err := f.int("filled_order_id", "filledOrderId")
	if err != nil {
		return nil, err
	}
	makerAccount, err := f.int("filled_account_id", "filledAccountId")
	if err != nil {
		return nil, err
	}
	if side == domain.OrderSideBuy {
		ev.BuyOrderID, ev.BuyerAccountID = takerOrder, takerAccount
		ev.SellOrderID, ev.SellerAccountID = makerOrder, makerAccount
	} else {
		ev.BuyOrderID, ev.BuyerAccountID = makerOrder, makerAccount
		ev.SellOrderID, ev.SellerAccountID = takerOrder, takerAccount
	}
	ev.OutcomeID = f.optStr("outcome_id", "outcomeId")
	if err := decodeTradeAmounts(f, &ev); err != nil {
		return nil, err
	}

	if f.has("remaining") {
		taker := &TakerState{OrderID: takerOrder}
		if taker.Remaining, err = f.int("remaining"); err != nil {
			return nil, err
		}
		if taker.OriginalQuantity, err = f.optInt64("order_quantity", "orderQuantity"); err != nil {
			return nil, err
		}
		ev.Taker = taker
	}
	return ev, nil
}

func decodeTradeAmounts(f fields, ev *Trade) error {
	var err error
	if ev.Price, err = f.int("price"); err != nil {
		return err
	}
	if ev.Price < 0 {
		return errors.New("price must not be negative")
	}
	if ev.Quantity, err = f.positive("quantity"); err != nil {
		return err
	}
	if _, err := domain.MulAmount(ev.Price, ev.Quantity); err != nil {
		return err
	}
	if ev.Timestamp, err = f.optTime("timestamp"); err != nil {
		return err
	}
	if ev.BuyerAccountID == ev.SellerAccountID && ev.BuyOrderID == ev.SellOrderID {
		return errors.New("buy and sell sides are identical")
	}
	return nil
}

func decodeCancelled(f fields) (Event, error) {
	var (
		ev  OrderCancelled
		err error
	)
	if ev.OrderID, err = f.int("order_id", "orderId"); err != nil {
		return nil, err
	}
	if ev.AccountID, err = f.optInt64("account_id", "accountId"); err != nil {
		return nil, err
	}
	ev.OutcomeID = f.optStr("outcome_id", "outcomeId")
	if f.has("side") {
		if ev.Side, err = f.side("side"); err != nil {
			return nil, err
		}
	}
	if ev.Price, err = f.optInt("price"); err != nil {
		return nil, err
	}
	if ev.Quantity, err = f.optInt64("quantity"); err != nil {
		return nil, err
	}
	if ev.Timestamp, err = f.optTime("timestamp"); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeRejected(f fields) (Event, error) {
	var (
		ev  OrderRejected
		err error
	)
	if ev.AccountID, err = f.int("account_id", "accountId"); err != nil {
		return nil, err
	}
	ev.OutcomeID = f.optStr("outcome_id", "outcomeId")
	if ev.Side, err = f.side("side"); err != nil {
		return nil, err
	}
	if ev.Price, err = f.optInt("price"); err != nil {
		return nil, err
	}
	if ev.Quantity, err = f.positive("quantity"); err != nil {
		return nil, err
	}
	if err := checkNotional(ev.Price, ev.Quantity); err != nil {
		return nil, err
	}
	ev.Reason = f.optStr("reason")
	return ev, nil
}

// checkNotional rejects a limit price whose notional for qty shares cannot
// be represented, so no handler multiplies it later.
func checkNotional(price *int64, qty int64) error {
	if price == nil {
		return nil
	}
	if *price < 0 {
		return errors.New("price must not be negative")
	}
	_, err := domain.MulAmount(*price, qty)
	return err
}

func decodeBookDepth(f fields) (Event, error) {
	var (
		ev  BookDepth
		err error
	)
	if ev.OutcomeID, err = f.str("outcome_id", "outcomeId"); err != nil {
		return nil, err
	}
	ev.MarketID = f.optStr("market_id", "marketId")
	if ev.Time, err = f.optTime("timestamp"); err != nil {
		return nil, err
	}
	if ev.Bids, err = f.levels("bids"); err != nil {
		return nil, err
	}
	if ev.Asks, err = f.levels("asks"); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeMarketData(f fields) (Event, error) {
	var (
		ev  MarketData
		err error
	)
	if ev.MarketID, err = f.str("market_id", "marketId"); err != nil {
		return nil, err
	}
	ts, err := f.optTime("timestamp")
	if err != nil {
		return nil, err
	}
	items, err := f.objects("data", "outcomes")
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		outcome, err := item.str("outcome_id", "outcomeId")
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		price, err := item.optDecimal("fair_price", "fairPrice")
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		volume, err := item.optDecimal("total_volume", "totalVolume")
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		ev.Points = append(ev.Points, domain.MarketDataPoint{
			Time:        ts,
			MarketID:    ev.MarketID,
			OutcomeID:   outcome,
			FairPrice:   price,
			TotalVolume: volume,
		})
	}
	return ev, nil
}

// fields is a decoded JSON object or a flat entry. Values are json.Number,
// string, bool, nil, []any or map[string]any.
type fields map[string]any

func (f fields) lookup(keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, keys[0], false
}

func (f fields) has(keys ...string) bool {
	_, _, ok := f.lookup(keys...)
	return ok
}

func (f fields) str(keys ...string) (string, error) {
	v, key, ok := f.lookup(keys...)
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("field %q is empty", key)
	}
	return s, nil
}

func (f fields) optStr(keys ...string) string {
	s, err := f.str(keys...)
	if err != nil {
		return ""
	}
	return s
}

func (f fields) int(keys ...string) (int64, error) {
	v, key, ok := f.lookup(keys...)
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}

func (f fields) optInt64(keys ...string) (int64, error) {
	if !f.has(keys...) {
		return 0, nil
	}
	return f.int(keys...)
}

func (f fields) optInt(keys ...string) (*int64, error) {
	v, key, ok := f.lookup(keys...)
	if !ok {
		return nil, nil
	}
	if s, isStr := v.(string); isStr && (s == "" || strings.EqualFold(s, "null")) {
		return nil, nil
	}
	n, err := toInt(v)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("field %q must not be negative", key)
	}
	return &n, nil
}

func (f fields) positive(keys ...string) (int64, error) {
	n, err := f.int(keys...)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("field %q must be positive, got %d", keys[0], n)
	}
	return n, nil
}

func (f fields) side(key string) (domain.OrderSide, error) {
	s, err := f.str(key)
	if err != nil {
		return "", err
	}
	return domain.ParseOrderSide(s)
}

// optTime accepts RFC 3339 strings and unix epoch milliseconds. A missing
// timestamp decodes as the zero time.
func (f fields) optTime(keys ...string) (time.Time, error) {
	v, key, ok := f.lookup(keys...)
	if !ok {
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	case string:
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, err)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field %q: expected timestamp, got %T", key, v)
	}
}

func (f fields) optDecimal(keys ...string) (decimal.Decimal, error) {
	v, key, ok := f.lookup(keys...)
	if !ok {
		return decimal.Zero, nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return decimal.Zero, fmt.Errorf("field %q: expected number, got %T", key, v)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
	}
	return d, nil
}

// list returns a JSON array field. Flat entries carry arrays as JSON text.
func (f fields) list(keys ...string) ([]any, error) {
	v, key, ok := f.lookup(keys...)
	if !ok {
		return nil, nil
	}
	if s, isStr := v.(string); isStr {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var arr []any
		if err := dec.Decode(&arr); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		return arr, nil
	}
	arr, isArr := v.([]any)
	if !isArr {
		return nil, fmt.Errorf("field %q: expected array, got %T", key, v)
	}
	return arr, nil
}

func (f fields) levels(key string) ([]domain.DepthLevel, error) {
	arr, err := f.list(key)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DepthLevel, 0, len(arr))
	for i, raw := range arr {
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%s[%d]: expected [price, quantity]", key, i)
		}
		price, err := toInt(pair[0])
		if err != nil {
			return nil, fmt.Errorf("%s[%d] price: %w", key, i, err)
		}
		qty, err := toInt(pair[1])
		if err != nil {
			return nil, fmt.Errorf("%s[%d] quantity: %w", key, i, err)
		}
		out = append(out, domain.DepthLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func (f fields) objects(keys ...string) ([]fields, error) {
	arr, err := f.list(keys...)
	if err != nil {
		return nil, err
	}
	out := make([]fields, 0, len(arr))
	for i, raw := range arr {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: expected object", keys[0], i)
		}
		out = append(out, fields(obj))
	}
	return out, nil
}

// toInt accepts JSON integers and integral strings. Fractional values are
// rejected: amounts are always whole minor units.
func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		fl, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return integral(fl)
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		fl, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return integral(fl)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func integral(fl float64) (int64, error) {
	if math.IsNaN(fl) || math.IsInf(fl, 0) || fl != math.Trunc(fl) {
		return 0, fmt.Errorf("not an integer: %v", fl)
	}
	if fl > math.MaxInt64 || fl < math.MinInt64 {
		return 0, fmt.Errorf("out of range: %v", fl)
	}
	return int64(fl), nil
}
