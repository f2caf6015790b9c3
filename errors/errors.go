package errors

import (
	"errors"
	"fmt"
	"strings"
)

// EngineError represents a general messaging engine error
type EngineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *EngineError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("engine error %d in %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

func (e *EngineError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = e
		return true
	}
	return false
}

// Error codes
const (
	NotFound                   = 404
	TemporaryNotFound          = 410
	LinkNotFound               = 411
	MQLinkNotFound             = 412
	ForeignBusNotFound         = 413
	AlreadyExists              = 409
	Locked                     = 423
	Corrupt                    = 450
	NotPossibleInCurrentConfig = 460
	AliasLoop                  = 508
	AliasTargetsService        = 461
	ResourceError              = 506
	InternalError              = 541
)

// Destination Errors

// DestinationError represents destination-specific errors
type DestinationError struct {
	EngineError
	Name string `json:"name"`
	Bus  string `json:"bus,omitempty"`
}

func NewDestinationError(code int, message, name, bus, op string) *DestinationError {
	return &DestinationError{
		EngineError: EngineError{
			Code:    code,
			Message: message,
			Op:      op,
		},
		Name: name,
		Bus:  bus,
	}
}

func NewDestinationNotFound(name, bus, op string) *DestinationError {
	return NewDestinationError(NotFound, fmt.Sprintf("destination '%s' not found on bus '%s'", name, bus), name, bus, op)
}

func NewTemporaryDestinationNotFound(name, bus, op string) *DestinationError {
	return NewDestinationError(TemporaryNotFound, fmt.Sprintf("temporary destination '%s' not found on bus '%s'", name, bus), name, bus, op)
}

func NewDestinationAlreadyExists(name, bus, op string) *DestinationError {
	return NewDestinationError(AlreadyExists, fmt.Sprintf("destination '%s' already exists on bus '%s'", name, bus), name, bus, op)
}

func NewDestinationCorrupt(name, bus, op string) *DestinationError {
	return NewDestinationError(Corrupt, fmt.Sprintf("destination '%s' on bus '%s' is corrupt or in doubt", name, bus), name, bus, op)
}

// WithCause attaches the underlying failure
func (e *DestinationError) WithCause(cause error) *DestinationError {
	e.Cause = cause
	return e
}

func NewDestinationLocked(name, bus, op, reason string) *DestinationError {
	return NewDestinationError(Locked, fmt.Sprintf("destination '%s' is locked: %s", name, reason), name, bus, op)
}

func NewNotPossibleInCurrentConfig(name, bus, op, reason string) *DestinationError {
	return NewDestinationError(NotPossibleInCurrentConfig, fmt.Sprintf("operation on '%s' not possible in current configuration: %s", name, reason), name, bus, op)
}

func NewAliasTargetsService(name, bus, op string) *DestinationError {
	return NewDestinationError(AliasTargetsService, fmt.Sprintf("alias target '%s' on bus '%s' is a service destination", name, bus), name, bus, op)
}

func (e *DestinationError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = &e.EngineError
		return true
	}
	return false
}

// AliasLoopError reports the full chain of an alias cycle
type AliasLoopError struct {
	EngineError
	Chain []string `json:"chain"`
}

func NewAliasLoop(chain []string, op string) *AliasLoopError {
	return &AliasLoopError{
		EngineError: EngineError{
			Code:    AliasLoop,
			Message: fmt.Sprintf("alias loop detected: %s", strings.Join(chain, " -> ")),
			Op:      op,
		},
		Chain: chain,
	}
}

func (e *AliasLoopError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = &e.EngineError
		return true
	}
	return false
}

// Link Errors

// LinkError represents inter-broker and protocol-bridge link errors
type LinkError struct {
	EngineError
	LinkName string `json:"link_name"`
}

func NewLinkError(code int, message, linkName, op string) *LinkError {
	return &LinkError{
		EngineError: EngineError{
			Code:    code,
			Message: message,
			Op:      op,
		},
		LinkName: linkName,
	}
}

func NewLinkNotFound(linkName, op string) *LinkError {
	return NewLinkError(LinkNotFound, fmt.Sprintf("link '%s' not found", linkName), linkName, op)
}

func NewMQLinkNotFound(linkName, op string) *LinkError {
	return NewLinkError(MQLinkNotFound, fmt.Sprintf("mq link '%s' not found", linkName), linkName, op)
}

func NewLinkAlreadyExists(linkName, op string) *LinkError {
	return NewLinkError(AlreadyExists, fmt.Sprintf("link '%s' already exists", linkName), linkName, op)
}

func (e *LinkError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = &e.EngineError
		return true
	}
	return false
}

// ForeignBusError represents foreign bus lookup errors
type ForeignBusError struct {
	EngineError
	BusName string `json:"bus_name"`
}

func NewForeignBusNotFound(busName, op string) *ForeignBusError {
	return &ForeignBusError{
		EngineError: EngineError{
			Code:    ForeignBusNotFound,
			Message: fmt.Sprintf("foreign bus '%s' not found", busName),
			Op:      op,
		},
		BusName: busName,
	}
}

func (e *ForeignBusError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = &e.EngineError
		return true
	}
	return false
}

// Storage Errors

// StorageError represents failures of the entity store or its transactions
type StorageError struct {
	EngineError
	Operation string `json:"operation"`
	Resource  string `json:"resource"`
}

func NewStorageError(code int, message, operation, resource string, cause error) *StorageError {
	return &StorageError{
		EngineError: EngineError{
			Code:    code,
			Message: message,
			Cause:   cause,
		},
		Operation: operation,
		Resource:  resource,
	}
}

func NewStorageUnavailable(operation, resource string, cause error) *StorageError {
	message := fmt.Sprintf("storage unavailable for %s on %s", operation, resource)
	return NewStorageError(ResourceError, message, operation, resource, cause)
}

func NewStorageCorruption(operation, resource string, cause error) *StorageError {
	message := fmt.Sprintf("storage corruption detected during %s on %s", operation, resource)
	return NewStorageError(InternalError, message, operation, resource, cause)
}

func (e *StorageError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = &e.EngineError
		return true
	}
	return false
}

// NewInternalError reports an invariant violation, typically an admin or
// configuration inconsistency rather than a transient condition.
func NewInternalError(op, message string, cause error) *EngineError {
	return &EngineError{
		Code:    InternalError,
		Message: message,
		Op:      op,
		Cause:   cause,
	}
}

// Configuration Errors

// ConfigError represents configuration-specific errors
type ConfigError struct {
	EngineError
	Section string `json:"section"`
	Key     string `json:"key,omitempty"`
}

func NewConfigError(message, section, key string, cause error) *ConfigError {
	return &ConfigError{
		EngineError: EngineError{
			Code:    InternalError,
			Message: message,
			Cause:   cause,
		},
		Section: section,
		Key:     key,
	}
}

func NewConfigValidationError(section, key, reason string) *ConfigError {
	message := fmt.Sprintf("configuration validation failed for %s.%s: %s", section, key, reason)
	return NewConfigError(message, section, key, nil)
}

func (e *ConfigError) As(target interface{}) bool {
	if engErr, ok := target.(**EngineError); ok {
		*engErr = &e.EngineError
		return true
	}
	return false
}

// Helper functions for common error checking

// GetErrorCode returns the engine error code if the error is an EngineError
func GetErrorCode(err error) int {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return 0
}

// IsNotFound reports any of the not-found variants
func IsNotFound(err error) bool {
	switch GetErrorCode(err) {
	case NotFound, TemporaryNotFound, LinkNotFound, MQLinkNotFound, ForeignBusNotFound:
		return true
	}
	return false
}

func IsAlreadyExists(err error) bool {
	return GetErrorCode(err) == AlreadyExists
}

func IsCorrupt(err error) bool {
	return GetErrorCode(err) == Corrupt
}

func IsLocked(err error) bool {
	return GetErrorCode(err) == Locked
}

func IsAliasLoop(err error) bool {
	return GetErrorCode(err) == AliasLoop
}

func IsNotPossible(err error) bool {
	return GetErrorCode(err) == NotPossibleInCurrentConfig
}

func IsResource(err error) bool {
	return GetErrorCode(err) == ResourceError
}

func IsInternal(err error) bool {
	return GetErrorCode(err) == InternalError
}
