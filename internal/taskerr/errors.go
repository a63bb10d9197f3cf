// Package taskerr provides structured error types for pipeliner.
package taskerr

import (
	"errors"
	"fmt"
)

// Code represents a unique error code.
type Code string

// Error codes for pipeliner.
const (
	// Plan parsing errors. Fatal to the session: no records are created.
	CodePlanNotFound       Code = "PLAN_NOT_FOUND"
	CodePlanEmpty          Code = "PLAN_EMPTY"
	CodePlanMalformedBatch Code = "PLAN_MALFORMED_BATCH"

	// Orchestrator errors. Surface to the caller, transaction rolled back.
	CodeOrchestratorEmptyRange Code = "ORCHESTRATOR_EMPTY_RANGE"
	CodeOrchestratorDB         Code = "ORCHESTRATOR_DB"
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeSessionFatal           Code = "SESSION_FATAL"

	// Worktree pool errors.
	CodePoolAcquireTimeout Code = "POOL_ACQUIRE_TIMEOUT"
	CodePoolResetError     Code = "POOL_RESET_ERROR"
	CodePoolNotInitialized Code = "POOL_NOT_INITIALIZED"

	// Executor errors. Recorded on the task, never fail the batch by themselves.
	CodeBranchError   Code = "EXEC_BRANCH_ERROR"
	CodeAgentNotFound Code = "EXEC_AGENT_NOT_FOUND"
	CodeAgentTimeout  Code = "EXEC_AGENT_TIMEOUT"
	CodeAgentError    Code = "EXEC_AGENT_ERROR"
	CodeVCSError      Code = "EXEC_VCS_ERROR"
	CodePublishError  Code = "EXEC_PUBLISH_ERROR"
	CodeTaskTimeout   Code = "EXEC_TASK_TIMEOUT"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodePlanNotFound:           CategoryNotFound,
	CodePlanEmpty:              CategoryBadRequest,
	CodePlanMalformedBatch:     CategoryBadRequest,
	CodeOrchestratorEmptyRange: CategoryBadRequest,
	CodeOrchestratorDB:         CategoryInternal,
	CodeSessionNotFound:        CategoryNotFound,
	CodeSessionFatal:           CategoryInternal,
	CodePoolAcquireTimeout:     CategoryTimeout,
	CodePoolResetError:         CategoryInternal,
	CodePoolNotInitialized:     CategoryUnavailable,
	CodeBranchError:            CategoryInternal,
	CodeAgentNotFound:          CategoryUnavailable,
	CodeAgentTimeout:           CategoryTimeout,
	CodeAgentError:             CategoryInternal,
	CodeVCSError:               CategoryInternal,
	CodePublishError:           CategoryInternal,
	CodeTaskTimeout:            CategoryTimeout,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is a structured error with a code and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Category returns the category for this error's code.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// CodeOf extracts the Code from an error chain.
// Returns an empty code if the chain contains no *Error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// HasCode reports whether the error chain contains an *Error with the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Reason returns the short machine-readable reason string recorded on failed
// tasks, e.g. "agent_timeout" for CodeAgentTimeout.
func Reason(code Code) string {
	switch code {
	case CodeBranchError:
		return "branch_error"
	case CodeAgentNotFound:
		return "agent_not_found"
	case CodeAgentTimeout:
		return "agent_timeout"
	case CodeAgentError:
		return "agent_error"
	case CodeVCSError:
		return "vcs_error"
	case CodePublishError:
		return "publish_error"
	case CodeTaskTimeout:
		return "task_timeout"
	case CodePoolAcquireTimeout:
		return "sandbox_acquire_timeout"
	default:
		return string(code)
	}
}
