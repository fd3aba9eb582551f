package tools

import "github.com/nextlevelbuilder/serialagent/internal/providers"

// ErrorKind is the tool-result error taxonomy from spec §3/§7.
type ErrorKind string

const (
	ErrInvalidArgs ErrorKind = "invalid_args"
	ErrNotAllowed  ErrorKind = "not_allowed"
	ErrTimeout     ErrorKind = "timeout"
	ErrFailed      ErrorKind = "failed"
	ErrCancelled   ErrorKind = "cancelled"
	ErrNotFound    ErrorKind = "not_found"
)

// AsyncCallback delivers a deferred result for a tool started with Async=true.
type AsyncCallback func(requestID string, result *Result)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string    `json:"for_llm"`           // content sent to the LLM
	ForUser string    `json:"for_user,omitempty"` // content shown to the user
	Silent  bool      `json:"silent"`             // suppress user message
	IsError bool      `json:"is_error"`           // marks error
	Kind    ErrorKind `json:"kind,omitempty"`     // set when IsError
	Async   bool      `json:"async"`              // running asynchronously
	Err     error      `json:"-"`                  // internal error (not serialized)

	// Usage holds token usage from tools that make internal LLM calls.
	// The turn engine does not read it or Provider/Model.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"`
	Model    string           `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true, Kind: ErrFailed}
}

func KindError(kind ErrorKind, message string) *Result {
	return &Result{ForLLM: message, IsError: true, Kind: kind}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
