package extraction

import (
	"fmt"
	"strings"
)

// structuredInstruction is appended to the extraction prompt. It tightens with each attempt.
func structuredInstruction(attempt, maxAttempts int, tickers []string) string {
	list := strings.Join(tickers, ", ")
	var sb strings.Builder
	sb.WriteString("\n\nRespond with a JSON array only. Each element must be ")
	sb.WriteString(`{"ticker": string, "action": "BUY"|"SELL"|"HOLD", "dollarAmount": number, "reason": string, "priority": "high"|"medium"|"low"}.`)
	if list != "" {
		fmt.Fprintf(&sb, "\nInclude exactly one element for each of these %d tickers: %s.", len(tickers), list)
	}

	switch {
	case attempt >= maxAttempts && attempt > 1:
		sb.WriteString("\nFINAL ATTEMPT: previous answers were incomplete or cut off. Output the complete JSON array and nothing else. Keep every reason under 15 words.")
	case attempt > 1:
		sb.WriteString("\nYour previous answer was incomplete or could not be parsed. Close every bracket, do not wrap the array in prose, and keep reasons short.")
	}
	return sb.String()
}

// proseInstruction is appended to the natural-language decision prompt
func proseInstruction(attempt, maxAttempts int, tickers []string) string {
	list := strings.Join(tickers, ", ")
	var sb strings.Builder
	if list != "" {
		fmt.Fprintf(&sb, "\n\nAddress every one of these %d tickers by symbol: %s.", len(tickers), list)
	}

	switch {
	case attempt >= maxAttempts && attempt > 1:
		sb.WriteString("\nFINAL ATTEMPT: give one short line per ticker in the form \"TICKER: ACTION $amount - reason\". Do not skip any ticker.")
	case attempt > 1:
		sb.WriteString("\nYour previous answer skipped tickers. Be concise so the full list fits.")
	}
	return sb.String()
}
