package subscription

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how delivery and offset commits are coordinated. It is a
// closed set: SingleEvent, DeferredAck and Batch.
type Mode interface {
	validate() error
	bufferSize() int
	String() string
}

// SingleEvent delivers one event at a time per stream and commits after
// every resolution. BufferSize bounds the in-flight window; 0 means 1.
type SingleEvent struct {
	BufferSize int
}

func (m SingleEvent) validate() error {
	if m.BufferSize < 0 {
		return fmt.Errorf("bufferSize must not be negative, got %d", m.BufferSize)
	}
	return nil
}

func (m SingleEvent) bufferSize() int { return m.BufferSize }
func (SingleEvent) String() string    { return "single" }

// DeferredAck resolves events individually but flushes commits only when
// MaxPending acknowledgements accumulate or Timeout elapses.
type DeferredAck struct {
	BufferSize int
	Timeout    time.Duration
	MaxPending int
}

func (m DeferredAck) validate() error {
	var errs []error
	if m.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("bufferSize must not be negative, got %d", m.BufferSize))
	}
	if m.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("deferred ack timeout must be positive, got %s", m.Timeout))
	}
	if m.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("deferred ack maxPending must be at least 1, got %d", m.MaxPending))
	}
	return errors.Join(errs...)
}

func (m DeferredAck) bufferSize() int { return m.BufferSize }
func (DeferredAck) String() string    { return "deferred" }

// Batch accumulates up to MaxSize events, or whatever arrived within
// MaxWait of the first one, and hands them to a batch handler as a unit.
type Batch struct {
	MaxSize int
	MaxWait time.Duration
}

func (m Batch) validate() error {
	var errs []error
	if m.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("batch maxSize must be at least 1, got %d", m.MaxSize))
	}
	if m.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("batch maxWait must be positive, got %s", m.MaxWait))
	}
	return errors.Join(errs...)
}

func (m Batch) bufferSize() int { return m.MaxSize }
func (Batch) String() string    { return "batch" }
