package downloader

import (
	"path/filepath"
	"time"
)

// Task describes one file to retrieve.
type Task struct {
	URL         string
	Destination string

	// ExpectedSize is the caller-declared size in bytes, 0 when
	// unknown. A server declaring a conflicting size is a fatal error.
	ExpectedSize int64

	// Checksum and ChecksumType drive post-download verification.
	// An empty checksum or the "skip" sentinel disables it.
	Checksum     string
	ChecksumType string

	// ID correlates log lines and outcomes. Defaults to the
	// destination's base name. Duplicates are legal: state is keyed by
	// destination path, never by ID.
	ID string
}

// TaskID returns the explicit ID or the destination's base name.
func (t Task) TaskID() string {
	if t.ID != "" {
		return t.ID
	}

	return filepath.Base(t.Destination)
}

// Outcome is the result of one scheduled task. The scheduler produces
// exactly one per task, success or not.
type Outcome struct {
	Task Task

	// Err is nil on success.
	Err error

	// Destination is the final file path when the task succeeded.
	Destination string

	// Elapsed covers transfer and verification together.
	Elapsed time.Duration
}

// Succeeded reports whether the task completed without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// OpenMode says how the destination file is opened for one attempt:
// fresh from byte zero, or appending at a validated resume offset.
// Decided once per attempt, when the prior state is probed, and not
// revisited mid-write.
type OpenMode struct {
	resume bool
	at     int64
}

// Fresh truncates and writes from byte zero.
func Fresh() OpenMode {
	return OpenMode{}
}

// ResumeAt appends starting at the given byte offset.
func ResumeAt(offset int64) OpenMode {
	return OpenMode{resume: true, at: offset}
}

// Resuming reports whether this attempt continues a partial file.
func (m OpenMode) Resuming() bool {
	return m.resume
}

// Offset returns the byte offset writing starts at.
func (m OpenMode) Offset() int64 {
	if !m.resume {
		return 0
	}

	return m.at
}
