package cosmigrate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPartitionKeyMismatch is permanent and unit-level. It is never retried.
	ErrPartitionKeyMismatch = errors.New("partition key mismatch")
	// ErrProvisioning is permanent and unit-level.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrThrottled is transient and retried after the server-hinted delay.
	ErrThrottled = errors.New("request throttled")
	// ErrTransientIO is transient and retried with backoff.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrFatalRemote is propagated immediately without retry.
	ErrFatalRemote = errors.New("fatal remote failure")
	// ErrItemRejected is permanent and item-level.
	ErrItemRejected = errors.New("item rejected")
	// ErrAlreadyExists is returned by account clients when a create conflicts with an existing resource.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrNotFound is returned by account clients when a resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrEndOfContainer is returned by a Cursor once the container is exhausted.
	ErrEndOfContainer = errors.New("end of container")
)

// PartitionKeyMismatchError reports incompatible partition key paths for a container pair.
type PartitionKeyMismatchError struct {
	Unit   string
	Source string
	Target string
}

func (e *PartitionKeyMismatchError) Error() string {
	return fmt.Sprintf("partition key mismatch for %s: source %q, target %q", e.Unit, e.Source, e.Target)
}

func (e *PartitionKeyMismatchError) Is(target error) bool {
	return target == ErrPartitionKeyMismatch
}

// ProvisioningError reports a rejected target-side create.
type ProvisioningError struct {
	Resource string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision %s: %v", e.Resource, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioning
}

// ThrottledError signals that the caller exceeded its provisioned throughput.
// RetryAfter is the server-suggested wait, zero when the server gave none.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("throttled, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// TransientError wraps a network, timeout or server-side failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientIO
}

// FatalRemoteError wraps a non-retryable remote failure.
// AccountWide is set for failures that make every further call pointless, such as invalid credentials.
type FatalRemoteError struct {
	StatusCode  int
	AccountWide bool
	Err         error
}

func (e *FatalRemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal remote error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal remote error: %v", e.Err)
}

func (e *FatalRemoteError) Unwrap() error { return e.Err }

func (e *FatalRemoteError) Is(target error) bool {
	return target == ErrFatalRemote
}

// ItemRejectedError reports an item that can never be written.
type ItemRejectedError struct {
	ItemID string
	Reason string
	Err    error
}

func (e *ItemRejectedError) Error() string {
	id := e.ItemID
	if id == "" {
		id = "<missing id>"
	}
	if e.Err != nil {
		return fmt.Sprintf("item %s rejected: %s: %v", id, e.Reason, e.Err)
	}
	return fmt.Sprintf("item %s rejected: %s", id, e.Reason)
}

func (e *ItemRejectedError) Unwrap() error { return e.Err }

func (e *ItemRejectedError) Is(target error) bool {
	return target == ErrItemRejected
}

// FatalError is returned by WithRetry when an operation failed for good,
// either because the failure was not retryable or because attempts ran out.
type FatalError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsAccountWide reports whether err should abort the whole run.
func IsAccountWide(err error) bool {
	var fre *FatalRemoteError
	return errors.As(err, &fre) && fre.AccountWide
}
