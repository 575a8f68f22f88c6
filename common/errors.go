package common

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type (
	// ConfigError indicates that the resolved configuration is unusable.
	// It aborts the run before any scanning begins.
	ConfigError struct {
		Reason string
		Err    error
	}

	// ConnectivityError indicates that a shard endpoint could not be reached,
	// or that a connection to it was lost, and the accessor's bounded retries
	// were exhausted. It fails the affected shard only.
	ConnectivityError struct {
		Host string
		Op   string
		Err  error
	}

	// ValidationError indicates that a target shark failed its pre-flight
	// check. It aborts the entire run before scanning starts.
	ValidationError struct {
		Shark  string
		Reason string
	}

	// DataError indicates that a single record could not be decoded or lacks
	// a required field. The record is skipped and the scan continues.
	DataError struct {
		Note string
		Err  error
	}

	// OutputError indicates that an output sink could not be written or
	// flushed. It is fatal to the run because a truncated output file cannot
	// be distinguished from a complete one.
	OutputError struct {
		Sink string
		Err  error
	}
)

// NewConfigError returns a new instance of ConfigError.
func NewConfigError(reason string, err error) *ConfigError {
	return &ConfigError{Reason: reason, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("config error: %v", e.Reason)
	}
	return fmt.Sprintf("config error: %v: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConnectivityError returns a new instance of ConnectivityError.
func NewConnectivityError(op string, host string, err error) *ConnectivityError {
	return &ConnectivityError{Host: host, Op: op, Err: err}
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error: %v %v: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// NewValidationError returns a new instance of ValidationError.
func NewValidationError(shark string, reason string) *ValidationError {
	return &ValidationError{Shark: shark, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: shark %q: %v", e.Shark, e.Reason)
}

// NewDataError returns a new instance of DataError.
func NewDataError(note string, err error) *DataError {
	return &DataError{Note: note, Err: err}
}

func (e *DataError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("data error: %v", e.Note)
	}
	return fmt.Sprintf("data error: %v: %v", e.Note, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewOutputError returns a new instance of OutputError.
func NewOutputError(sink string, err error) *OutputError {
	return &OutputError{Sink: sink, Err: err}
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("output error: %v: %v", e.Sink, e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}

// IsConfigError checks if the given error is a config error.
func IsConfigError(err error) bool {
	var configError *ConfigError
	return errors.As(err, &configError)
}

// IsConnectivityError checks if the given error is a connectivity error.
func IsConnectivityError(err error) bool {
	var connectivityError *ConnectivityError
	return errors.As(err, &connectivityError)
}

// IsValidationError checks if the given error is a validation error.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// IsDataError checks if the given error is a data error.
func IsDataError(err error) bool {
	var dataError *DataError
	return errors.As(err, &dataError)
}

// IsOutputError checks if the given error is an output error.
func IsOutputError(err error) bool {
	var outputError *OutputError
	return errors.As(err, &outputError)
}

// IsTransientError checks if the given error is transient and the operation
// that produced it is worth retrying against the same endpoint.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
