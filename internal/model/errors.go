package model

import (
	"fmt"
	"strings"
)

// FetchError is a network or HTTP-layer failure for one source. Transient marks
// failures the Coordinator may retry (5xx, 429, timeouts, connection resets).
type FetchError struct {
	Source     string
	URL        string
	StatusCode int
	Reason     string
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s: %s", e.Source, e.Reason)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// SessionExpiredError means a stateful form rejected its session token.
type SessionExpiredError struct {
	Source string
	URL    string
	Reason string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired for %s at %s: %s", e.Source, e.URL, e.Reason)
}

// SchemaMismatchError means the expected header or structure was not found.
type SchemaMismatchError struct {
	Source  string
	Missing []string
	Reason  string
}

func (e *SchemaMismatchError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("schema mismatch in %s: %s (missing %s)", e.Source, e.Reason, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("schema mismatch in %s: %s", e.Source, e.Reason)
}

// ValidationError rejects one record; the rest of the batch continues.
type ValidationError struct {
	Source     string
	Row        int
	LogicalKey string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid record in %s", e.Source)
	if e.Row > 0 {
		fmt.Fprintf(&b, " row %d", e.Row)
	}
	if e.LogicalKey != "" {
		fmt.Fprintf(&b, " key %q", e.LogicalKey)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}

// WriteError is a store-layer failure. Keys lists affected logical keys when known.
type WriteError struct {
	Source string
	Table  string
	Keys   []string
	Err    error
}

func (e *WriteError) Error() string {
	if len(e.Keys) == 1 {
		return fmt.Sprintf("write %s into %s key %q: %v", e.Source, e.Table, e.Keys[0], e.Err)
	}
	return fmt.Sprintf("write %s into %s: %v", e.Source, e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
