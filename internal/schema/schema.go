package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Column describes one field of a row: its name, semantic type and the
// catalog attributes carried along for downstream sinks.
type Column struct {
	Name         string
	Type         DataType
	Nullable     bool
	PrimaryKey   bool
	DefaultValue any
	Comment      string
}

// Schema is an ordered column list. Row values are positional and always
// follow this order.
type Schema struct {
	Columns []Column
}

func New(cols ...Column) Schema { return Schema{Columns: cols} }

func (s Schema) Arity() int { return len(s.Columns) }

func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func (s Schema) Types() []DataType {
	out := make([]DataType, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Type
	}
	return out
}

// IndexOf returns the position of the named column or -1.
func (s Schema) IndexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// PrimaryKey lists the names of the columns flagged as primary key.
func (s Schema) PrimaryKey() []string {
	var pk []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// AsRowType views the schema as a nested row type.
func (s Schema) AsRowType() RowType {
	fields := make([]RowField, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = RowField{Name: c.Name, Type: c.Type}
	}
	return RowType{Fields: fields}
}

func (s Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name + " " + c.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Validate checks names are present and unique and every column has a type.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Columns))
	var errs []error
	for i, c := range s.Columns {
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("column %d: name must not be empty", i))
			continue
		}
		if c.Type == nil {
			errs = append(errs, fmt.Errorf("column %s: type must not be empty", c.Name))
		}
		if _, dup := seen[c.Name]; dup {
			errs = append(errs, fmt.Errorf("column %s: duplicate name", c.Name))
		}
		seen[c.Name] = struct{}{}
	}
	return errors.Join(errs...)
}
