// Package model defines the business-object contract delegates operate on,
// a generic JSON record implementation and the server-side result cursor.
package model

import (
	"context"

	"github.com/cyberinferno/go-remotedb/db"
)

// Object is a persisted business object. Every method acts through the
// handle of the session it is used in.
type Object interface {
	ClassName() string
	TableName() string
	ID() int64
	Serial() int64

	// Load replaces the receiver's state with the row id.
	Load(ctx context.Context, h db.Handle, id int64) error
	// Insert assigns a new id and serial.
	Insert(ctx context.Context, h db.Handle) error
	// Update fails with db.ErrConflict if the stored serial moved on.
	Update(ctx context.Context, h db.Handle) error
	Delete(ctx context.Context, h db.Handle) error
	// SelectAll returns fresh objects for every row of the table.
	SelectAll(ctx context.Context, h db.Handle) ([]Object, error)
}

// Resetter is implemented by objects that can be cleared for reuse.
type Resetter interface {
	Reset()
}

// Entity carries the id and version serial every Object has. Embed it.
type Entity struct {
	EntityID     int64 `json:"id"`
	EntitySerial int64 `json:"serial"`
}

// ID returns the object id, 0 before Insert.
func (e *Entity) ID() int64 { return e.EntityID }

// Serial returns the version serial, bumped by every Update.
func (e *Entity) Serial() int64 { return e.EntitySerial }

// SetID sets the object id.
func (e *Entity) SetID(id int64) { e.EntityID = id }

// SetSerial sets the version serial.
func (e *Entity) SetSerial(serial int64) { e.EntitySerial = serial }

// Row is one stored record as a RowStore sees it.
type Row struct {
	ID     int64
	Serial int64
	Fields map[string]any
}

// RowStore is implemented by handles that store schemaless rows keyed by
// table and id. Record works on any handle that implements it.
type RowStore interface {
	Get(ctx context.Context, table string, id int64) (Row, error)
	Insert(ctx context.Context, table string, fields map[string]any) (Row, error)
	// Update stores fields if the row's serial still equals serial.
	Update(ctx context.Context, table string, id, serial int64, fields map[string]any) (Row, error)
	Delete(ctx context.Context, table string, id, serial int64) error
	Scan(ctx context.Context, table string) ([]Row, error)
}
