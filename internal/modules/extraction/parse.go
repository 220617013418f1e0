// Package extraction turns free-form generation output into validated orders.
package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind tags a parse outcome
type Kind int

const (
	KindOK Kind = iota
	KindTruncated
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTruncated:
		return "truncated"
	default:
		return "malformed"
	}
}

// Outcome is the tagged result of Parse. Orders is set only for KindOK.
type Outcome struct {
	Kind   Kind
	Orders []Order
	Reason string
}

// maxCandidates bounds how many payload start positions are tried
const maxCandidates = 16

var (
	fencePattern         = regexp.MustCompile("```[A-Za-z0-9_-]*")
	trailingCommaPattern = regexp.MustCompile(`,\s*([\]}])`)
	smartQuotes          = strings.NewReplacer("“", `"`, "”", `"`, "„", `"`, "‘", "'", "’", "'")

	// "- AAPL: BUY $5,000", "2. **MSFT** - sell $1,200 (trim)"
	itemizedPattern = regexp.MustCompile(`(?m)^[ \t]*(?:[-*\x{2022}]|\d+[.)])?[ \t]*\**[ \t]*([A-Z][A-Z0-9.\-]{0,9})[ \t]*\**[ \t]*[:\-\x{2013}][ \t]*\**[ \t]*((?i:BUY|SELL|HOLD|BUILD|ADD|TRIM|EXIT))\b\**[^\n$\d]*\$?[ \t]*([\d,]+(?:\.\d+)?)?`)
)

// Parse extracts orders from text and validates them against the portfolio value.
//
// Known noise is stripped first, then each candidate payload start is parsed
// directly and, failing that, after bracket balancing. A payload cut off at a
// dangling key or inside a list is reported as truncated rather than guessed.
// When no structured payload exists, itemized prose lines are accepted.
func Parse(text string, totalValue float64) Outcome {
	cleaned := stripNoise(text)
	if cleaned == "" {
		return malformed("empty response")
	}

	reason := "no order payload found"
	skipUntil := 0
	for _, start := range payloadStarts(cleaned) {
		// Never fall back to a fragment of a payload that failed as a whole
		if start < skipUntil {
			continue
		}
		candidate := cleaned[start:]

		if orders, err := decodePayload(candidate); err == nil {
			return validate(orders, totalValue)
		}

		scan := scanPayload(candidate)
		if scan.truncated {
			return Outcome{Kind: KindTruncated, Reason: scan.reason}
		}
		skipUntil = start + scan.end

		orders, err := decodePayload(removeTrailingCommas(scan.payload))
		if err != nil {
			reason = err.Error()
			continue
		}
		return validate(orders, totalValue)
	}

	if orders := parseItemized(cleaned); len(orders) > 0 {
		return validate(orders, totalValue)
	}
	return malformed("%s", reason)
}

func malformed(format string, args ...any) Outcome {
	return Outcome{Kind: KindMalformed, Reason: fmt.Sprintf(format, args...)}
}

// validate rejects the whole batch when any record is invalid
func validate(orders []Order, totalValue float64) Outcome {
	if len(orders) == 0 {
		return malformed("payload contained no orders")
	}

	seen := make(map[string]bool, len(orders))
	out := make([]Order, 0, len(orders))
	for i, o := range orders {
		if o.Ticker == "" {
			return malformed("record %d has no ticker", i)
		}
		if o.DollarAmount < 0 || (totalValue > 0 && o.DollarAmount > totalValue) {
			return malformed("amount %.2f for %s outside [0, %.2f]", o.DollarAmount, o.Ticker, totalValue)
		}
		if seen[o.Ticker] {
			continue
		}
		seen[o.Ticker] = true
		out = append(out, o)
	}
	return Outcome{Kind: KindOK, Orders: out}
}

func stripNoise(text string) string {
	s := smartQuotes.Replace(text)
	s = fencePattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func removeTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

func payloadStarts(s string) []int {
	var starts []int
	for i := 0; i < len(s) && len(starts) < maxCandidates; i++ {
		if s[i] == '[' || s[i] == '{' {
			starts = append(starts, i)
		}
	}
	return starts
}

type scanResult struct {
	payload   string
	end       int // bytes of input consumed
	truncated bool
	reason    string
}

// scanPayload walks s from its opening bracket, tracking strings and nesting.
// Closers that skip over open containers close them implicitly and stray
// closers are dropped. The payload ends when the outermost container closes;
// trailing prose is ignored.
func scanPayload(s string) scanResult {
	var stack []byte // expected closers
	var out strings.Builder
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			out.WriteByte(c)
		case '{':
			stack = append(stack, '}')
			out.WriteByte(c)
		case '[':
			stack = append(stack, ']')
			out.WriteByte(c)
		case '}', ']':
			if !containsByte(stack, c) {
				continue
			}
			for stack[len(stack)-1] != c {
				out.WriteByte(stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
			stack = stack[:len(stack)-1]
			out.WriteByte(c)
			if len(stack) == 0 {
				return scanResult{payload: out.String(), end: i + 1}
			}
		default:
			out.WriteByte(c)
		}
	}

	body := out.String()
	switch {
	case inString:
		return scanResult{truncated: true, reason: "response ended inside a string"}
	case containsByte(stack, ']'):
		return scanResult{truncated: true, reason: "response ended inside an unterminated list"}
	}

	switch lastSignificant(body) {
	case ':', ',', '{':
		return scanResult{truncated: true, reason: "response ended on a dangling key"}
	case '"':
		if endsWithKey(body) {
			return scanResult{truncated: true, reason: "response ended on a dangling key"}
		}
	case '}', ']':
	default:
		// a bare number or literal may have been cut short
		return scanResult{truncated: true, reason: "response ended inside a value"}
	}

	// Only object closers are missing and the last value is terminated
	var closed strings.Builder
	closed.WriteString(body)
	for i := len(stack) - 1; i >= 0; i-- {
		closed.WriteByte(stack[i])
	}
	return scanResult{payload: closed.String(), end: len(s)}
}

func containsByte(stack []byte, c byte) bool {
	for _, b := range stack {
		if b == c {
			return true
		}
	}
	return false
}

func lastSignificant(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return s[i]
		}
	}
	return 0
}

// endsWithKey reports whether the final string token of s sits in key position
func endsWithKey(s string) bool {
	s = strings.TrimRight(s, " \t\r\n")
	if !strings.HasSuffix(s, `"`) {
		return false
	}

	// Find the opening quote of the final string, skipping escaped quotes
	i := len(s) - 2
	for ; i >= 0; i-- {
		if s[i] != '"' {
			continue
		}
		backslashes := 0
		for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
			backslashes++
		}
		if backslashes%2 == 0 {
			break
		}
	}
	if i < 0 {
		return false
	}

	prev := lastSignificant(s[:i])
	return prev == '{' || prev == ','
}

// parseItemized recognizes "TICKER: ACTION $amount" list lines
func parseItemized(text string) []Order {
	var orders []Order
	for _, m := range itemizedPattern.FindAllStringSubmatch(text, -1) {
		action, err := normalizeAction(m[2])
		if err != nil {
			continue
		}
		var amount float64
		if m[3] != "" {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(m[3], ",", ""), 64); err == nil {
				amount = v
			}
		}
		orders = append(orders, Order{Ticker: m[1], Action: action, DollarAmount: amount})
	}
	return orders
}
