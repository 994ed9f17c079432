package model

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-remotedb/db"
)

// Record is a schemaless business object: a class name, a table and a bag of
// JSON fields. It lets a server expose classes without generated code.
type Record struct {
	Entity
	Fields map[string]any `json:"fields"`

	class string
	table string
}

// NewRecord returns an empty record of the given class stored in table.
func NewRecord(class, table string) *Record {
	return &Record{class: class, table: table, Fields: map[string]any{}}
}

// Clone returns a copy of r with its own field map.
func (r *Record) Clone() *Record {
	c := NewRecord(r.class, r.table)
	c.Entity = r.Entity
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return c
}

// Reset clears id, serial and fields so the record can be reused.
func (r *Record) Reset() {
	r.Entity = Entity{}
	r.Fields = map[string]any{}
}

// ClassName returns the business class of the record.
func (r *Record) ClassName() string { return r.class }

// TableName returns the table the record is stored in.
func (r *Record) TableName() string { return r.table }

// Load replaces the record with the stored row id.
func (r *Record) Load(ctx context.Context, h db.Handle, id int64) error {
	rs, err := rowStore(h)
	if err != nil {
		return err
	}
	row, err := rs.Get(ctx, r.table, id)
	if err != nil {
		return err
	}
	r.apply(row)
	return nil
}

// Insert stores the record as a new row.
func (r *Record) Insert(ctx context.Context, h db.Handle) error {
	rs, err := rowStore(h)
	if err != nil {
		return err
	}
	row, err := rs.Insert(ctx, r.table, r.Fields)
	if err != nil {
		return err
	}
	r.apply(row)
	return nil
}

// Update stores the record, failing with db.ErrConflict on a stale serial.
func (r *Record) Update(ctx context.Context, h db.Handle) error {
	rs, err := rowStore(h)
	if err != nil {
		return err
	}
	row, err := rs.Update(ctx, r.table, r.EntityID, r.EntitySerial, r.Fields)
	if err != nil {
		return err
	}
	r.apply(row)
	return nil
}

// Delete removes the record's row.
func (r *Record) Delete(ctx context.Context, h db.Handle) error {
	rs, err := rowStore(h)
	if err != nil {
		return err
	}
	return rs.Delete(ctx, r.table, r.EntityID, r.EntitySerial)
}

// SelectAll returns every record of the table.
func (r *Record) SelectAll(ctx context.Context, h db.Handle) ([]Object, error) {
	rs, err := rowStore(h)
	if err != nil {
		return nil, err
	}
	rows, err := rs.Scan(ctx, r.table)
	if err != nil {
		return nil, err
	}

	out := make([]Object, 0, len(rows))
	for _, row := range rows {
		rec := NewRecord(r.class, r.table)
		rec.apply(row)
		out = append(out, rec)
	}
	return out, nil
}

func (r *Record) apply(row Row) {
	r.EntityID = row.ID
	r.EntitySerial = row.Serial
	r.Fields = make(map[string]any, len(row.Fields))
	for k, v := range row.Fields {
		r.Fields[k] = v
	}
}

func rowStore(h db.Handle) (RowStore, error) {
	rs, ok := h.(RowStore)
	if !ok {
		return nil, fmt.Errorf("model: handle %T does not store rows", h)
	}
	return rs, nil
}
