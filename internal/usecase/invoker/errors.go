package invoker

import (
	"errors"
	"fmt"
	"strings"

	"toolrun/internal/domain"
)

const (
	// maxErrorContent is the longest error content reported verbatim.
	maxErrorContent = 10000
	// keepErrorContent characters are kept from each end of longer content.
	keepErrorContent = 5000
)

// retryableSentinels are failures that may succeed when the call is repeated.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrLimitReached,
}

// retryablePatterns are substrings in error messages that indicate transient
// failures. Checked case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"temporarily unavailable",
	"resource temporarily",
	"try again",
}

// errorResult converts any pipeline failure into an error ToolResult.
func errorResult(err error) *domain.ToolResult {
	return &domain.ToolResult{
		Content:     truncateContent(describe(err)),
		IsError:     true,
		IsRetryable: isRetryable(err),
		ErrorCode:   domain.ErrorCodeOf(err),
	}
}

// describe renders an error for the model: the message, then stderr and
// stdout for command failures.
func describe(err error) string {
	var ee *domain.ExecError
	if errors.As(err, &ee) {
		parts := []string{ee.Message}
		if s := strings.TrimRight(ee.Stderr, "\n"); s != "" {
			parts = append(parts, s)
		}
		if s := strings.TrimRight(ee.Stdout, "\n"); s != "" {
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n")
	}
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return fmt.Sprintf("%s: %s", de.Err, de.Detail)
	}
	return err.Error()
}

// truncateContent keeps the first and last keepErrorContent characters of
// content longer than maxErrorContent.
func truncateContent(s string) string {
	if len(s) <= maxErrorContent {
		return s
	}
	r := []rune(s)
	if len(r) <= maxErrorContent {
		return s
	}
	omitted := len(r) - 2*keepErrorContent
	return string(r[:keepErrorContent]) +
		fmt.Sprintf("\n\n... [%d characters truncated] ...\n\n", omitted) +
		string(r[len(r)-keepErrorContent:])
}

// isRetryable reports whether the failure is transient.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
