package model

import "github.com/rotisserie/eris"

// ErrorKind classifies failures so they stay attributable in records and
// job summaries.
type ErrorKind string

const (
	// ErrorKindAdapterTimeout is an attempt that ran past its deadline.
	ErrorKindAdapterTimeout ErrorKind = "AdapterTimeout"
	// ErrorKindAdapterError is a non-timeout failure from a lookup source.
	ErrorKindAdapterError ErrorKind = "AdapterError"
	// ErrorKindRetryExhausted is returned after the retry policy gives up.
	ErrorKindRetryExhausted ErrorKind = "RetryExhausted"
	// ErrorKindLeadAborted covers lead-level timeouts, panics and job cancellation.
	ErrorKindLeadAborted ErrorKind = "LeadProcessingAborted"
	// ErrorKindStoreWrite is a persistence failure after retries.
	ErrorKindStoreWrite ErrorKind = "StoreWriteError"
)

// ErrInvalidTransition is returned when a lifecycle would move backwards or
// skip a state.
var ErrInvalidTransition = eris.New("model: invalid state transition")
