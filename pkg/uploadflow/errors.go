package uploadflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies a classified upload failure.
type Code string

// Preflight codes.
const (
	CodeFileMissing     Code = "FILE_MISSING"
	CodeFileSizeZero    Code = "FILE_SIZE_ZERO"
	CodeFileReadEmpty   Code = "FILE_READ_EMPTY"
	CodeFileReadFailed  Code = "FILE_READ_FAILED"
	CodeFileTypeHEIC    Code = "FILE_TYPE_HEIC"
	CodeFileTypeBlocked Code = "FILE_TYPE_BLOCKED"
)

// Transport codes.
const (
	CodeUploadAborted Code = "UPLOAD_ABORTED"
	CodeUploadTimeout Code = "UPLOAD_TIMEOUT"
	CodeNetworkError  Code = "NETWORK_ERROR"
	CodeInitFailed    Code = "INIT_FAILED"
	CodePutFailed     Code = "PUT_FAILED"
	CodeConfirmFailed Code = "CONFIRM_FAILED"
	CodeUploadFailed  Code = "UPLOAD_FAILED"
	CodeHTTPError     Code = "HTTP_ERROR"
	CodeInvalidJSON   Code = "INVALID_JSON"
	CodeMissingFields Code = "MISSING_FIELDS"
)

// Orchestration codes.
const (
	CodeMaxImages Code = "MAX_IMAGES"
	CodeNoFiles   Code = "NO_FILES"
)

// Upload stages, used to qualify transport failures.
const (
	StageInit    = "init"
	StagePut     = "put"
	StageConfirm = "confirm"
	StageDirect  = "direct"
	StageAbort   = "abort"
)

// Save payload errors.
var (
	// ErrUploadsInProgress indicates a save was attempted while at least
	// one slot is still queued or uploading.
	ErrUploadsInProgress = errors.New("images are still uploading")

	// ErrSlotFailed indicates a save was attempted while at least one slot
	// is in the error state.
	ErrSlotFailed = errors.New("an image failed to upload")

	// ErrTransientURL indicates a slot URL is a local preview or embedded
	// data reference rather than a server-issued asset URL.
	ErrTransientURL = errors.New("image URL is not a stored asset URL")

	// ErrRetryUnavailable indicates a retry was requested for a slot that
	// is not in the error state or no longer holds its original file.
	ErrRetryUnavailable = errors.New("slot cannot be retried")

	// ErrClosed indicates the orchestrator has been closed.
	ErrClosed = errors.New("orchestrator is closed")
)

// UploadError is the classified {code, message} pair carried through slot
// state and diagnostics. Message is always a short, user-safe sentence;
// Detail holds debug-only context and is only surfaced while diagnostics
// mode is active.
type UploadError struct {
	Code    Code
	Message string
	Stage   string
	Detail  string
	Status  int
	Snippet string
	Err     error
}

func (e *UploadError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// NewUploadError builds a classified error with a user-safe message.
func NewUploadError(code Code, message string) *UploadError {
	return &UploadError{Code: code, Message: message}
}

// CodeOf extracts the classification code from err, or "" if err is not a
// classified upload error.
func CodeOf(err error) Code {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

const detailLimit = 300

// truncateDetail bounds debug detail so diagnostics entries stay small.
func truncateDetail(s string) string {
	if len(s) > detailLimit {
		return s[:detailLimit]
	}
	return s
}

// stageCode maps an upload stage to its stage-qualified failure code.
func stageCode(stage string) Code {
	switch stage {
	case StageInit:
		return CodeInitFailed
	case StagePut:
		return CodePutFailed
	case StageConfirm:
		return CodeConfirmFailed
	default:
		return CodeUploadFailed
	}
}

// Classify normalizes an error from an upload stage into an *UploadError.
// Already-classified errors pass through with the stage filled in. Context
// cancellation maps to UPLOAD_ABORTED, deadline expiry and timeout-ish
// messages to UPLOAD_TIMEOUT, connection-level failures to NETWORK_ERROR,
// and everything else to the stage-qualified generic code with the truncated
// underlying message kept as debug detail only.
func Classify(stage string, err error) *UploadError {
	var ue *UploadError
	if errors.As(err, &ue) {
		if ue.Stage == "" {
			ue.Stage = stage
		}
		return ue
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &UploadError{
			Code:    CodeUploadTimeout,
			Message: "The upload timed out. Check your connection and retry.",
			Stage:   stage,
			Err:     err,
		}
	case errors.Is(err, context.Canceled):
		return &UploadError{
			Code:  CodeUploadAborted,
			Stage: stage,
			Err:   err,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return &UploadError{
			Code:    CodeUploadTimeout,
			Message: "The upload timed out. Check your connection and retry.",
			Stage:   stage,
			Detail:  truncateDetail(err.Error()),
			Err:     err,
		}
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "failed to fetch"):
		return &UploadError{
			Code:    CodeNetworkError,
			Message: "A network error interrupted the upload. Retry when back online.",
			Stage:   stage,
			Detail:  truncateDetail(err.Error()),
			Err:     err,
		}
	}

	return &UploadError{
		Code:    stageCode(stage),
		Message: "The upload failed. Please retry.",
		Stage:   stage,
		Detail:  truncateDetail(err.Error()),
		Err:     err,
	}
}
