package ingest

import (
	"errors"
	"fmt"
)

// ErrEmptyWorkerPool is returned by Run when no worker pool has been
// registered.
var ErrEmptyWorkerPool = errors.New("register at least one worker pool")

// DeserializeError reports a checkpoint file that could not be parsed.
// The reader logs it and retries the file on the next tick; it never
// takes the pipeline down.
type DeserializeError struct {
	Sequence SequenceNumber
	Err      error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("deserialize checkpoint %d: %v", e.Sequence, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// ProcessingError reports a worker failing on a checkpoint. Worker
// errors are fatal to the whole pipeline.
type ProcessingError struct {
	Task     string
	Sequence SequenceNumber
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("task %s failed on checkpoint %d: %v", e.Task, e.Sequence, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// CommitError reports a reducer failing to commit a batch. Commit
// errors are fatal to the whole pipeline.
type CommitError struct {
	Task string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("task %s failed to commit batch: %v", e.Task, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ProgressError reports a watermark that could not be persisted.
type ProgressError struct {
	Task     string
	Sequence SequenceNumber
	Err      error
}

func (e *ProgressError) Error() string {
	return fmt.Sprintf("task %s failed to save watermark %d: %v", e.Task, e.Sequence, e.Err)
}

func (e *ProgressError) Unwrap() error { return e.Err }

// ReaderError reports a fatal failure in the checkpoint reader.
type ReaderError struct {
	Err error
}

func (e *ReaderError) Error() string {
	return fmt.Sprintf("checkpoint reader failed: %v", e.Err)
}

func (e *ReaderError) Unwrap() error { return e.Err }
