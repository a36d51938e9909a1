package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheEntropyCollective/docsync/pkg/local"
	"github.com/TheEntropyCollective/docsync/pkg/remote"
)

var (
	// ErrPairInterrupt is returned when the work on a pair was interrupted,
	// the pair is queued again shortly
	ErrPairInterrupt = errors.New("pair processing interrupted")

	// ErrParentNotSynced is returned while the parent of a pair is not
	// synchronized yet
	ErrParentNotSynced = errors.New("parent is not synchronized yet")

	// ErrRootAlreadyBound is returned when binding a folder already bound to
	// another server or account
	ErrRootAlreadyBound = errors.New("folder is already bound to another account")

	// ErrEngineRunning is returned by operations needing a stopped engine
	ErrEngineRunning = errors.New("engine is running")

	// ErrNotConflicted is returned when resolving a pair that is not in conflict
	ErrNotConflicted = errors.New("pair is not conflicted")

	// ErrNotBound is returned when starting an engine whose folder was never bound
	ErrNotBound = errors.New("engine is not bound")

	// ErrRootGone stops an engine whose local folder was deleted or moved
	ErrRootGone = errors.New("local folder is gone")
)

// postponeError asks for the pair to be retried after delay without
// counting an error
type postponeError struct {
	reason string
	delay  time.Duration
}

func (e *postponeError) Error() string {
	return fmt.Sprintf("postponed for %s: %s", e.delay, e.reason)
}

func postpone(reason string, delay time.Duration) error {
	return &postponeError{reason: reason, delay: delay}
}

// errorPolicy tells the processor what to do with a failed pair
type errorPolicy int

const (
	policyIncreaseError errorPolicy = iota
	policyRequeue
	policyPostpone
	policyRetryLater
	policyStop
	policyDropPair
	policyIgnore
	policyInvalidCredentials
	policyRestartUpload
	policyPaused
	policyNoSpace
	policyLongPath
	policyFileInUse
	policyDuplicate
	policyCorrupted
)

var policyNames = map[errorPolicy]string{
	policyIncreaseError:      "increase_error",
	policyRequeue:            "requeue",
	policyPostpone:           "postpone",
	policyRetryLater:         "retry_later",
	policyStop:               "stop",
	policyDropPair:           "drop_pair",
	policyIgnore:             "ignore",
	policyInvalidCredentials: "invalid_credentials",
	policyRestartUpload:      "restart_upload",
	policyPaused:             "paused",
	policyNoSpace:            "no_space",
	policyLongPath:           "long_path",
	policyFileInUse:          "file_in_use",
	policyDuplicate:          "duplicate",
	policyCorrupted:          "corrupted",
}

func (p errorPolicy) String() string {
	return policyNames[p]
}

// classifyError maps a handler failure to its policy. engineCtx is the
// context of the engine, an interruption while it is alive is a pair
// interruption.
func classifyError(engineCtx context.Context, err error) errorPolicy {
	var (
		pe        *postponeError
		paused    *remote.TransferPausedError
		upload    *remote.UploadError
		corrupted *remote.CorruptedFileError
		conn      *remote.ConnectionError
	)

	switch {
	case engineCtx.Err() != nil:
		return policyStop
	case errors.Is(err, context.Canceled), errors.Is(err, ErrPairInterrupt), errors.Is(err, ErrParentNotSynced):
		return policyRequeue
	case errors.As(err, &pe):
		return policyPostpone
	case errors.As(err, &paused):
		return policyPaused
	case errors.Is(err, remote.ErrUnauthorized):
		return policyInvalidCredentials
	case errors.Is(err, remote.ErrNotFound):
		return policyDropPair
	case errors.Is(err, remote.ErrForbidden):
		return policyIgnore
	case errors.Is(err, remote.ErrOngoingRequest), errors.Is(err, remote.ErrConflict):
		return policyRetryLater
	case errors.As(err, &upload) && upload.ExpiredToken():
		return policyRestartUpload
	case errors.As(err, &corrupted):
		return policyCorrupted
	case local.IsNoSpaceLeft(err):
		return policyNoSpace
	case local.IsLongPath(err):
		return policyLongPath
	case errors.Is(err, local.ErrDuplicateFile):
		return policyDuplicate
	case local.IsFileInUse(err):
		return policyFileInUse
	case errors.As(err, &upload), errors.As(err, &conn), remote.IsServerUnavailable(err):
		return policyRetryLater
	}
	return policyIncreaseError
}
