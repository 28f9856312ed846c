package uploadflow

import "io"

// probeWindow is how many leading bytes the readiness probe attempts to read.
const probeWindow = 4096

// ProbeResult reports whether a file's bytes are actually retrievable.
type ProbeResult struct {
	OK        bool
	Code      Code
	BytesRead int
	// Detail carries the underlying read error text for diagnostics.
	Detail string
}

// ProbeFile checks that a selected file is readable before any network work.
// Mobile and desktop pickers can hand back handles to cloud placeholders
// whose bytes were never downloaded; those report a size of zero, yield zero
// bytes on read, or fail the read outright.
func ProbeFile(f FileHandle) ProbeResult {
	if f == nil {
		return ProbeResult{Code: CodeFileMissing}
	}
	if f.Size() == 0 {
		return ProbeResult{Code: CodeFileSizeZero}
	}

	rc, err := f.Open()
	if err != nil {
		return ProbeResult{Code: CodeFileReadFailed, Detail: truncateDetail(err.Error())}
	}
	defer rc.Close()

	window := probeWindow
	if f.Size() < int64(window) {
		window = int(f.Size())
	}
	buf := make([]byte, window)
	n, err := io.ReadFull(rc, buf)
	if n > 0 {
		return ProbeResult{OK: true, BytesRead: n}
	}
	if err == io.EOF {
		// Nonzero reported size but no bytes came back.
		return ProbeResult{Code: CodeFileReadEmpty}
	}
	return ProbeResult{Code: CodeFileReadFailed, Detail: truncateDetail(err.Error())}
}

// probeError converts a failed probe into a slot-ready classified error.
func probeError(res ProbeResult) *UploadError {
	var msg string
	switch res.Code {
	case CodeFileMissing:
		msg = "No file was selected."
	case CodeFileSizeZero:
		msg = "This file is empty. If it lives in cloud storage, download it first and retry."
	case CodeFileReadEmpty:
		msg = "This file could not be read. Download it to this device and retry."
	default:
		msg = "This file could not be opened. Check its permissions and retry."
	}
	return &UploadError{Code: res.Code, Message: msg, Detail: res.Detail}
}
