package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	dlhttp "github.com/DavideF99/Multithread-file-downloader/internal/http"
)

// ErrChunkingUnsupported signals that a URL cannot be downloaded in
// chunks: the probe failed, the server does not advertise range
// support, or the total size is unknown. Callers fall back to the
// single-stream downloader.
var ErrChunkingUnsupported = errors.New("server does not support chunked downloads")

// SizeMismatchError reports a size that contradicts what the caller
// declared: either the server's declared length or the byte count that
// actually landed on disk. Always fatal; retrying cannot reconcile two
// authorities that disagree.
type SizeMismatchError struct {
	URL      string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d, got %d", e.URL, e.Expected, e.Actual)
}

// ExhaustedError reports a download that failed every allowed attempt.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error // last transient error seen
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to download %s after %d attempts", e.URL, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// ChunkError aggregates the failures of an all-or-nothing chunked
// download. Presence of this error means every temp file has already
// been cleaned up; the caller may fall back to a single-stream
// download of the whole file.
type ChunkError struct {
	URL    string
	Failed int
	Errs   []error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunked download of %s failed: %d chunk(s) errored", e.URL, e.Failed)
}

func (e *ChunkError) Unwrap() []error {
	return e.Errs
}

// MergeError reports a chunk file missing at reassembly time. With the
// all-chunks-succeeded gate ahead of the merge this indicates outside
// interference with the temp directory, so it is fatal rather than
// retried.
type MergeError struct {
	ChunkPath string
	Index     uint32
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("chunk %d missing at merge time: %s", e.Index, e.ChunkPath)
}

// Class tags an attempt result so retry-vs-abort decisions are a pure
// function of the tag, not of error-type inspection scattered through
// the loop.
type Class int

const (
	// ClassSuccess is a nil error.
	ClassSuccess Class = iota
	// ClassTransient covers failures worth retrying: timeouts,
	// connection drops, 5xx responses.
	ClassTransient
	// ClassFatal covers everything retrying cannot fix: 403/404,
	// size and digest mismatches, config errors, cancellation.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classify maps an error to its retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}

	// A cancelled run must not burn retry attempts.
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	if errors.Is(err, dlhttp.ErrServerError) {
		return ClassTransient
	}

	if errors.Is(err, dlhttp.ErrNotFound) || errors.Is(err, dlhttp.ErrForbidden) {
		return ClassFatal
	}

	// A request that never produced a response: connect failure,
	// reset, stalled headers. All transient.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	// The transport reports a body shorter than the declared length
	// as an unexpected EOF. That is a dropped connection, and resume
	// picks up from the bytes already flushed.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassTransient
	}

	return ClassFatal
}
