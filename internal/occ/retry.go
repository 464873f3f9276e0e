package occ

// RetryBudget counts the attempts of one mutation against max_retries.
//
// A mutation gets one initial attempt plus up to maxRetries retries. The
// budget is checked after a conflict, before looping back to take a new
// snapshot.
type RetryBudget struct {
	maxRetries int
	attempts   int
}

// NewRetryBudget creates a budget allowing maxRetries retries. Negative
// values are treated as zero.
func NewRetryBudget(maxRetries int) *RetryBudget {
	return &RetryBudget{maxRetries: max(maxRetries, 0)}
}

// Begin starts the next attempt and returns its 1-based number.
func (b *RetryBudget) Begin() int {
	b.attempts++
	return b.attempts
}

// Exhausted reports whether every allowed attempt has been made.
func (b *RetryBudget) Exhausted() bool {
	return b.attempts >= b.MaxAttempts()
}

// Attempts returns the number of attempts begun.
func (b *RetryBudget) Attempts() int {
	return b.attempts
}

// MaxAttempts returns maxRetries + 1.
func (b *RetryBudget) MaxAttempts() int {
	return b.maxRetries + 1
}
