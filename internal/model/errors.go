package model

import "fmt"

// UpstreamTimeoutError records a provider call that ran out of time. It is
// reported as a degradation, never as a scan failure.
type UpstreamTimeoutError struct {
	Provider string
	Err      error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("%s: upstream timeout: %v", e.Provider, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }
