package delegate

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Method names understood by every delegate.
const (
	MethodBegin    = "begin"
	MethodCommit   = "commit"
	MethodRollback = "rollback"
)

// Method names of object delegates.
const (
	MethodSelect      = "select"
	MethodSelectAll   = "selectAll"
	MethodInsert      = "insert"
	MethodUpdate      = "update"
	MethodDelete      = "delete"
	MethodSerial      = "serial"
	MethodTable       = "table"
	MethodTableSerial = "tableSerial"
	MethodOpenCursor  = "openCursor"
)

// Method names of operation delegates.
const (
	MethodExecute = "execute"
)

// Method names of cursor delegates.
const (
	MethodFirst             = "first"
	MethodLast              = "last"
	MethodNext              = "next"
	MethodPrevious          = "previous"
	MethodSetRow            = "setRow"
	MethodRow               = "row"
	MethodFetch             = "fetch"
	MethodRowCount          = "rowCount"
	MethodFetchSize         = "fetchSize"
	MethodSetFetchSize      = "setFetchSize"
	MethodFetchDirection    = "fetchDirection"
	MethodSetFetchDirection = "setFetchDirection"
	MethodUpdateRow         = "updateRow"
	MethodDeleteRow         = "deleteRow"
	MethodClose             = "close"
)

// IDArgs selects an object by id.
type IDArgs struct {
	ID int64 `json:"id"`
}

// TxArgs names a transaction.
type TxArgs struct {
	Name string `json:"name"`
}

// CountArgs carries a row count or position.
type CountArgs struct {
	N int `json:"n"`
}

// DirectionArgs carries a fetch direction, "forward" or "reverse".
type DirectionArgs struct {
	Direction string `json:"direction"`
}

// RowArgs addresses a cursor row, -1 for the current one, with an optional
// new object state.
type RowArgs struct {
	Row    int             `json:"row"`
	Object json.RawMessage `json:"object,omitempty"`
}

// CursorRow is the answer to cursor navigation.
type CursorRow struct {
	Row    int  `json:"row"`
	OK     bool `json:"ok"`
	Object any  `json:"object,omitempty"`
}

// CursorRef identifies an exported cursor and the transport it is reached over.
type CursorRef struct {
	Cursor    uint64 `json:"cursor"`
	Transport string `json:"transport"`
	Port      int    `json:"port"`
	Rows      int    `json:"rows"`
}

// decode unmarshals args into v; empty args leave v untouched.
func decode(method string, args []byte, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%s: bad arguments: %w", method, err)
	}
	return nil
}
