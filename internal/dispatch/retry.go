package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vinayprograms/conclave/internal/worker"
)

// Task is a retryable search-style operation. The query may be rewritten
// between attempts.
type Task func(ctx context.Context, query string) (string, error)

// FailureClass drives how a query is adjusted before the next attempt.
type FailureClass string

const (
	FailureRateLimit FailureClass = "rate-limit"
	FailureNoResults FailureClass = "no-results"
	FailureOther     FailureClass = "other"
)

// simplifyTokens is how many leading tokens a simplified query keeps.
const simplifyTokens = 5

// broadenTerms are appended one per no-results retry.
var broadenTerms = []string{"overview", "guide", "examples", "explained"}

// RetryResult is the outcome of RetryWithBackoff. It is a value, never a panic.
type RetryResult struct {
	Success    bool
	Content    string
	Query      string // query used by the final attempt
	RetryCount int    // retries performed after the first attempt
	Err        error  // last error when Success is false
	Classes    []FailureClass
}

// Classify maps a task error to its failure class.
func Classify(err error) FailureClass {
	switch {
	case worker.IsRateLimit(err):
		return FailureRateLimit
	case worker.IsNoResults(err):
		return FailureNoResults
	default:
		return FailureOther
	}
}

// RetryWithBackoff runs task, retrying up to maxRetries times:
// rate limits keep the query and wait 2^attempt seconds, empty results
// broaden the query, anything else simplifies it.
func (e *Engine) RetryWithBackoff(ctx context.Context, query string, task Task, maxRetries int) RetryResult {
	if maxRetries < 0 {
		maxRetries = 0
	}
	ctx, span := startRetrySpan(ctx, query)

	res := RetryResult{Query: query}
	q := query
	for attempt := 0; ; attempt++ {
		content, err := runTask(ctx, task, q)
		res.Query = q
		res.RetryCount = attempt
		if err == nil {
			res.Success = true
			res.Content = content
			res.Err = nil
			break
		}
		res.Err = err
		class := Classify(err)
		res.Classes = append(res.Classes, class)

		if attempt >= maxRetries {
			break
		}
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("retry aborted: %w", ctx.Err())
			break
		}

		e.logger.Debug("retrying task", map[string]interface{}{
			"attempt": attempt + 1,
			"class":   string(class),
			"error":   err.Error(),
		})

		switch class {
		case FailureRateLimit:
			if serr := e.sleep(ctx, e.backoffDelay(attempt)); serr != nil {
				res.Err = fmt.Errorf("retry aborted: %w", serr)
				endRetrySpan(span, res)
				return res
			}
		case FailureNoResults:
			q = broadenQuery(q, attempt)
		default:
			q = simplifyQuery(q, simplifyTokens)
		}
	}

	if !res.Success {
		e.logger.Warn("task failed after retries", map[string]interface{}{
			"retries": res.RetryCount,
			"error":   res.Err.Error(),
		})
	}
	endRetrySpan(span, res)
	return res
}

// backoffDelay is 2^attempt seconds, capped by the engine's max backoff.
// Past 2^30 seconds the product overflows int64, so large attempts clamp
// before multiplying.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	if attempt >= 30 {
		return e.maxBackoff
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d <= 0 || d > e.maxBackoff {
		d = e.maxBackoff
	}
	return d
}

// runTask calls task, converting a panic into an error.
func runTask(ctx context.Context, task Task, query string) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx, query)
}

// broadenQuery appends the next alternative term that is not already present.
func broadenQuery(query string, attempt int) string {
	lower := strings.ToLower(query)
	for i := 0; i < len(broadenTerms); i++ {
		term := broadenTerms[(attempt+i)%len(broadenTerms)]
		if !strings.Contains(lower, term) {
			return strings.TrimSpace(query + " " + term)
		}
	}
	return query
}

// simplifyQuery keeps the first n whitespace-separated tokens.
func simplifyQuery(query string, n int) string {
	tokens := strings.Fields(query)
	if len(tokens) <= n {
		return strings.Join(tokens, " ")
	}
	return strings.Join(tokens[:n], " ")
}
