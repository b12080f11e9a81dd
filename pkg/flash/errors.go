package flash

import "fmt"

// Kind classifies why a flash session did not commit.
type Kind int

const (
	// BackupFailed means the pre-write backup read failed. Nothing was
	// written, the ECU is untouched.
	BackupFailed Kind = iota
	// ValidationRejected means the write set broke a profile limit.
	// Nothing was written.
	ValidationRejected
	// WriteFailed means a chunk write ran out of retries mid-session.
	WriteFailed
	// VerifyFailed means the readback after writing did not match, or
	// could not be completed.
	VerifyFailed
	// RollbackFailed means the ECU could not be restored to its backup.
	// The ECU may hold partial values. This is the only fatal outcome.
	RollbackFailed
	// SessionCancelled means the operator cancelled before commit.
	SessionCancelled
)

func (k Kind) String() string {
	switch k {
	case BackupFailed:
		return "backup failed"
	case ValidationRejected:
		return "validation rejected"
	case WriteFailed:
		return "write failed"
	case VerifyFailed:
		return "verify failed"
	case RollbackFailed:
		return "rollback failed"
	case SessionCancelled:
		return "cancelled"
	}
	return "unknown"
}

// FlashError reports why a session ended short of Committed. The
// session's terminal state tells whether the ECU was restored.
type FlashError struct {
	Kind Kind
	Err  error
}

func (e *FlashError) Error() string {
	if e.Err == nil {
		return "flash: " + e.Kind.String()
	}
	return fmt.Sprintf("flash: %s: %v", e.Kind, e.Err)
}

func (e *FlashError) Unwrap() error {
	return e.Err
}
