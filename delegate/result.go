// Package delegate holds the server-side dispatch objects a session hands
// out per business class: object delegates for CRUD on persisted objects,
// operation delegates for stateless multi-object operations and cursor
// delegates for open result sets.
package delegate

import (
	"errors"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/model"
)

// Result is the outcome of a mutating call. Conflict is set when the call
// failed because of a uniqueness or concurrency conflict; callers retry with
// fresh data then, and treat other failures as hard errors.
type Result struct {
	ID          int64  `json:"id"`
	Serial      int64  `json:"serial"`
	TableSerial int64  `json:"tableSerial"`
	Success     bool   `json:"success"`
	Conflict    bool   `json:"conflict"`
	Message     string `json:"message,omitempty"`
}

func succeeded(obj model.Object, tableSerial int64) Result {
	return Result{ID: obj.ID(), Serial: obj.Serial(), TableSerial: tableSerial, Success: true}
}

func failed(obj model.Object, tableSerial int64, err error) Result {
	return Result{
		ID:          obj.ID(),
		Serial:      obj.Serial(),
		TableSerial: tableSerial,
		Conflict:    errors.Is(err, db.ErrConflict),
		Message:     err.Error(),
	}
}
