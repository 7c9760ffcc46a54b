// Package script defines the pluggable decision boundary a connection's
// state machine consults at each query/result transition: a Host receives
// a Request describing what the driver observed and returns a Verdict
// telling the driver what to do next. The scripting runtime itself (e.g.
// an embedded interpreter) lives outside this package — Host is a plain Go
// interface an embedder implements.
package script

import (
	"strings"

	"github.com/sqlmediator/sqlmediator/internal/inject"
)

// Verdict is the dispatcher's decision, named after the verdict constants
// the original mediator exposes to its scripts.
type Verdict int

const (
	// NoDecision means "use policy": forward the client packet unchanged
	// in READ_QUERY, or forward the server packet unchanged elsewhere.
	NoDecision Verdict = iota
	// SendQuery forwards the query to the backend; if the injection queue
	// is non-empty, the driver switches to SendInjection instead.
	SendQuery
	// SendInjection sends the head of the injection queue to the backend.
	// Only meaningful as an internal driver transition, never returned by
	// a Host directly.
	SendInjection
	// SendResult means the script produced its own reply in Response: the
	// driver materializes it into packets and skips the backend.
	SendResult
	// IgnoreResult means drop the server's packets silently.
	IgnoreResult
)

func (v Verdict) String() string {
	switch v {
	case NoDecision:
		return "NO_DECISION"
	case SendQuery:
		return "SEND_QUERY"
	case SendInjection:
		return "SEND_INJECTION"
	case SendResult:
		return "SEND_RESULT"
	case IgnoreResult:
		return "IGNORE_RESULT"
	default:
		return "UNKNOWN"
	}
}

// ResponseType distinguishes the kinds of synthetic reply a script can
// hand back in Response when it returns SendResult.
type ResponseType int

const (
	ResponseOK ResponseType = iota
	ResponseErr
	ResponseResultSet
)

// Response is the façade a Host populates when it decides to answer a
// query itself instead of forwarding it to a backend.
type Response struct {
	Type         ResponseType
	AffectedRows uint64
	LastInsertID uint64
	ErrCode      uint16
	ErrMessage   string
	ColumnNames  []string
	Rows         [][]*string

	// Iterator, when set, overrides ColumnNames/Rows: the master
	// personality's response.packets contract (spec.md §4.9) is a lazy
	// sequence of framed payloads rather than a materialized result set.
	Iterator func() (payload []byte, ok bool, err error)
}

// Request is what the driver hands to a Host at each decision point.
type Request struct {
	// Hook identifies which driver transition is invoking the script:
	// "connect_server", "read_query", or "read_query_result".
	Hook string

	// Query is the raw SQL text, populated for read_query only; the driver
	// leaves it empty for connect_server and read_query_result, including
	// an injection's result.
	Query []byte

	// IsInjection is true when this read_query_result call is reporting
	// the outcome of a script-issued injection rather than the client's
	// own query.
	IsInjection bool
	// InjectionStats carries timing/row/byte observations when
	// IsInjection is true.
	InjectionStats inject.Stats

	// BackendIndex is the connection's backend hint for connect_server and
	// its attached backend's index for read_query and read_query_result,
	// or -1 if none.
	BackendIndex int
}

// Host is the pluggable decision boundary. Every method may mutate resp in
// place when it returns SendResult; the driver ignores resp otherwise.
type Host interface {
	// ConnectServer is consulted before a backend is selected. Returning
	// SendInjection is not valid here.
	ConnectServer(req Request, q *inject.Queue, resp *Response) Verdict
	// ReadQuery is consulted once the client's query has been parsed.
	ReadQuery(req Request, q *inject.Queue, resp *Response) Verdict
	// ReadQueryResult is consulted once a backend result (or injection
	// result) has completed.
	ReadQueryResult(req Request, q *inject.Queue, resp *Response) Verdict
}

// bypassPrefixes lists query prefixes that must never be intercepted: a
// script's injection or synthetic reply would corrupt these per spec.md's
// command-routing rule.
var bypassPrefixes = []string{"LOAD ", "SHOW ERRORS", "select @@error_count"}

// Bypasses reports whether query must skip script interception entirely
// and pass through to the backend unchanged.
func Bypasses(query []byte) bool {
	s := string(query)
	for _, prefix := range bypassPrefixes {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}
