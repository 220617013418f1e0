// Package workflow reports run outcomes to the sibling workflow coordinator
// and owns the closed error taxonomy those reports carry.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Category is one of the closed set of error categories
type Category string

const (
	CategoryRateLimit Category = "rate_limit"
	CategoryAPIKey    Category = "api_key"
	CategoryAIError   Category = "ai_error"
	CategoryDataFetch Category = "data_fetch"
	CategoryDatabase  Category = "database"
	CategoryTimeout   Category = "timeout"
	CategoryOther     Category = "other"
)

// CategorizedError carries an explicit category; Classify trusts it over pattern matching
type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a category
func NewError(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}

// Errorf formats a new categorized error
func Errorf(category Category, format string, args ...any) error {
	return &CategorizedError{Category: category, Err: fmt.Errorf(format, args...)}
}

// signatures are checked in order; the first match wins
var signatures = []struct {
	category Category
	pattern  *regexp.Regexp
}{
	// rate limits first: a 429 message often names the key it throttled
	{CategoryRateLimit, regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|quota|can only afford|insufficient credits|requires more credits|\b429\b|\b402\b`)},
	{CategoryAPIKey, regexp.MustCompile(`(?i)api[ _-]?key|unauthori[sz]ed|invalid authentication|authentication failed|forbidden|\b401\b|\b403\b`)},
	{CategoryTimeout, regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|watchdog`)},
	{CategoryDatabase, regexp.MustCompile(`(?i)database|sqlite|\bsql\b|constraint failed|no such table|failed to (insert|update|query|scan)`)},
	{CategoryDataFetch, regexp.MustCompile(`(?i)broker|portfolio data|account state|failed to fetch|positions unavailable`)},
	{CategoryAIError, regexp.MustCompile(`(?i)ai_error|malformed|truncated|unparseable|empty response|no choices|generation|completion`)},
}

// Classify maps an error onto the taxonomy.
// Typed errors win, then context errors, then known fault signatures.
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var categorized *CategorizedError
	if errors.As(err, &categorized) && categorized.Category != "" {
		return categorized.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.TrimSpace(err.Error())
	for _, sig := range signatures {
		if sig.pattern.MatchString(msg) {
			return sig.category
		}
	}
	return CategoryOther
}

// Retryable reports whether the task queue should re-run a failed attempt.
// Only watchdog timeouts are retried at the task level.
func Retryable(err error) bool {
	return Classify(err) == CategoryTimeout
}
