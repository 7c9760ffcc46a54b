package script

import (
	"strings"

	"github.com/sqlmediator/sqlmediator/internal/inject"
)

// versionComment is reported for `select @@version_comment` when no script
// is loaded; a real deployment will usually override this via a script.
const versionComment = "sqlmediator"

// BuiltinHost answers the handful of queries a master connection must be
// able to answer even with no script configured, per spec.md §4's "Built-in
// fallbacks, used when no script is loaded" clause: `select @@version_comment`,
// `select USER()`, and COM_INIT_DB. Everything else gets NoDecision, which
// for a master connection (no backend) means "no reply" — a real deployment
// is expected to load a script to handle application queries.
type BuiltinHost struct {
	User string
}

var _ Host = (*BuiltinHost)(nil)

func (h *BuiltinHost) ConnectServer(req Request, q *inject.Queue, resp *Response) Verdict {
	return NoDecision
}

func (h *BuiltinHost) ReadQuery(req Request, q *inject.Queue, resp *Response) Verdict {
	query := strings.TrimSpace(string(req.Query))
	lower := strings.ToLower(query)

	switch {
	case lower == "select @@version_comment":
		resp.Type = ResponseResultSet
		resp.ColumnNames = []string{"@@version_comment"}
		val := versionComment
		resp.Rows = [][]*string{{&val}}
		return SendResult
	case lower == "select user()":
		resp.Type = ResponseResultSet
		resp.ColumnNames = []string{"USER()"}
		val := h.User
		resp.Rows = [][]*string{{&val}}
		return SendResult
	case strings.HasPrefix(lower, "com_init_db") || lower == "":
		resp.Type = ResponseOK
		return SendResult
	default:
		return NoDecision
	}
}

func (h *BuiltinHost) ReadQueryResult(req Request, q *inject.Queue, resp *Response) Verdict {
	return NoDecision
}

// InitDB is invoked directly by the driver for COM_INIT_DB, which carries
// no query text to pattern-match against — it is its own opcode, not a
// SQL statement.
func (h *BuiltinHost) InitDB(db string) Verdict {
	return SendResult
}
