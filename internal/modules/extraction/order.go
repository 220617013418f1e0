package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
)

// Order is one extracted trade instruction
type Order struct {
	Ticker       string             `json:"ticker"`
	Action       domain.TradeAction `json:"action"`
	DollarAmount float64            `json:"dollarAmount"`
	Reason       string             `json:"reason,omitempty"`
	Priority     string             `json:"priority,omitempty"`
}

// rawOrder accepts the field spellings providers commonly produce
type rawOrder struct {
	Ticker      string     `json:"ticker"`
	Symbol      string     `json:"symbol"`
	Action      string     `json:"action"`
	Side        string     `json:"side"`
	Decision    string     `json:"decision"`
	Amount      flexAmount `json:"dollarAmount"`
	AmountSnake flexAmount `json:"dollar_amount"`
	AmountShort flexAmount `json:"amount"`
	Reason      string     `json:"reason"`
	Reasoning   string     `json:"reasoning"`
	Priority    string     `json:"priority"`
}

// flexAmount decodes numbers and money strings such as "$5,000"
type flexAmount struct {
	value float64
	set   bool
}

func (f *flexAmount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = str
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid dollar amount %q", s)
	}
	f.value, f.set = v, true
	return nil
}

// envelopeKeys are object keys that may wrap the order list
var envelopeKeys = []string{"orders", "trades", "tradeOrders", "decisions", "actions", "recommendations"}

// decodePayload decodes a JSON array of orders, an object wrapping one, or a single order object
func decodePayload(payload string) ([]Order, error) {
	trimmed := bytes.TrimSpace([]byte(payload))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	var raws []rawOrder
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("invalid order list: %w", err)
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("invalid order object: %w", err)
		}
		found := false
		for _, key := range envelopeKeys {
			if inner, ok := lookupKey(obj, key); ok {
				if err := json.Unmarshal(inner, &raws); err != nil {
					return nil, fmt.Errorf("invalid %s list: %w", key, err)
				}
				found = true
				break
			}
		}
		if !found {
			var single rawOrder
			if err := json.Unmarshal(trimmed, &single); err != nil {
				return nil, fmt.Errorf("invalid order: %w", err)
			}
			if single.Ticker == "" && single.Symbol == "" {
				return nil, fmt.Errorf("object holds no order list")
			}
			raws = []rawOrder{single}
		}
	default:
		return nil, fmt.Errorf("payload is not a JSON array or object")
	}

	orders := make([]Order, 0, len(raws))
	for i, raw := range raws {
		order, err := raw.normalize()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func lookupKey(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func (r rawOrder) normalize() (Order, error) {
	ticker := r.Ticker
	if ticker == "" {
		ticker = r.Symbol
	}

	actionText := firstNonEmpty(r.Action, r.Side, r.Decision)
	action, err := normalizeAction(actionText)
	if err != nil {
		return Order{}, err
	}

	var amount float64
	for _, a := range []flexAmount{r.Amount, r.AmountSnake, r.AmountShort} {
		if a.set {
			amount = a.value
			break
		}
	}

	return Order{
		Ticker:       strings.ToUpper(strings.TrimSpace(ticker)),
		Action:       action,
		DollarAmount: amount,
		Reason:       strings.TrimSpace(firstNonEmpty(r.Reason, r.Reasoning)),
		Priority:     strings.ToLower(strings.TrimSpace(r.Priority)),
	}, nil
}

// normalizeAction maps trade actions and risk intents onto BUY/SELL/HOLD
func normalizeAction(s string) (domain.TradeAction, error) {
	if action, err := domain.ParseTradeAction(s); err == nil {
		return action, nil
	}
	if intent, err := domain.ParseRiskIntent(s); err == nil {
		return intent.Direction(), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
