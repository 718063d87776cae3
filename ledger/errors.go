package ledger

import (
	stderrors "errors"
	"time"

	"cosmossdk.io/errors"
)

// Ledger error kinds, per the engine's error taxonomy. Callers branch
// on kind with errors.IsOf, never on message substrings.
var (
	// ErrConflict is an optimistic failure on a contract that changed
	// concurrently. Retryable where the caller can re-read state.
	ErrConflict = errors.Register("ledger", 1, "ledger conflict")

	// ErrContractNotFound means a referenced contract is no longer
	// active. Cancel treats it as success; settlement aborts the match.
	ErrContractNotFound = errors.Register("ledger", 2, "contract not found")

	// ErrUnauthorized is a token or permission failure. The client
	// invalidates its token cache and retries once before propagating.
	ErrUnauthorized = errors.Register("ledger", 3, "unauthorized")

	// ErrTransport is a timeout, network failure, or unparseable
	// response. Retried with exponential back-off and jitter.
	ErrTransport = errors.Register("ledger", 4, "transport failure")

	// ErrAlreadyInFlight means the ledger reports a concurrent request
	// for the same logical operation. Retried honouring a
	// server-supplied back-off hint when present.
	ErrAlreadyInFlight = errors.Register("ledger", 5, "request already in flight")
)

// hintedError attaches a server-supplied back-off hint to a wrapped
// error kind. Unwrap keeps errors.IsOf working on the kind.
type hintedError struct {
	err   error
	after time.Duration
}

func (e *hintedError) Error() string { return e.err.Error() }
func (e *hintedError) Unwrap() error { return e.err }

// WithRetryHint attaches a back-off hint to err.
func WithRetryHint(err error, after time.Duration) error {
	if after <= 0 {
		return err
	}
	return &hintedError{err: err, after: after}
}

// RetryHint returns the server back-off hint carried by err, when one
// is present.
func RetryHint(err error) (time.Duration, bool) {
	var h *hintedError
	if stderrors.As(err, &h) {
		return h.after, true
	}
	return 0, false
}

// errorBody is the error shape returned by the ledger's HTTP API.
type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfterMs,omitempty"`
}

// classify maps an HTTP status and decoded error body to an error kind.
func classify(status int, body errorBody) error {
	switch {
	case status == 401 || status == 403:
		return errors.Wrap(ErrUnauthorized, body.Message)
	case status == 404 || body.Code == "CONTRACT_NOT_FOUND":
		return errors.Wrap(ErrContractNotFound, body.Message)
	case body.Code == "ALREADY_IN_FLIGHT":
		return WithRetryHint(errors.Wrap(ErrAlreadyInFlight, body.Message),
			time.Duration(body.RetryAfter)*time.Millisecond)
	case status == 409:
		return errors.Wrap(ErrConflict, body.Message)
	case status >= 500:
		return errors.Wrap(ErrTransport, body.Message)
	default:
		return errors.Wrapf(ErrTransport, "unexpected status %d: %s", status, body.Message)
	}
}

// Retryable reports whether an error kind is safe to retry blindly.
// Conflicts are excluded: retrying them requires re-reading state,
// which is the caller's decision.
func Retryable(err error) bool {
	return errors.IsOf(err, ErrTransport, ErrAlreadyInFlight)
}
