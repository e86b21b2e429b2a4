package sync

import "errors"

// Error codes surfaced to callers. TOKEN_EXPIRED means the HTTP layer should
// tell the user to reconnect their bank rather than report a generic failure.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
)

// ErrSyncInProgress is returned when another full sync already holds the
// per-user lock.
var ErrSyncInProgress = errors.New("a full sync is already running for this user")

// SyncError tags a sync failure with a machine-readable code.
type SyncError struct {
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTokenExpired reports whether err is a SyncError tagged TOKEN_EXPIRED.
func IsTokenExpired(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr) && syncErr.Code == CodeTokenExpired
}
