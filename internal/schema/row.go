package schema

import (
	"fmt"
	"strings"
)

// ChangeKind marks how a row applies to its table downstream.
type ChangeKind uint8

const (
	Insert ChangeKind = iota
	UpdateBefore
	UpdateAfter
	Delete
)

var changeKindShort = [...]string{"+I", "-U", "+U", "-D"}

func (k ChangeKind) String() string {
	if int(k) < len(changeKindShort) {
		return changeKindShort[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseChangeKind accepts the short form ("+I", "-U", "+U", "-D") or the
// long name ("insert", "update_before", "update_after", "delete"). The
// empty string is an insert.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "+i", "insert":
		return Insert, nil
	case "-u", "update_before":
		return UpdateBefore, nil
	case "+u", "update_after":
		return UpdateAfter, nil
	case "-d", "delete":
		return Delete, nil
	}
	return Insert, fmt.Errorf("unknown change kind %q", s)
}

// Row is one record: positional field values plus the change kind and the
// identifier of the table it came from.
type Row struct {
	Kind    ChangeKind
	TableID string
	Fields  []any
}

func NewRow(fields ...any) *Row { return &Row{Fields: fields} }

func (r *Row) Arity() int { return len(r.Fields) }

// WithFields returns a row carrying r's kind and table id and the given values.
func (r *Row) WithFields(fields []any) *Row {
	return &Row{Kind: r.Kind, TableID: r.TableID, Fields: fields}
}

func (r *Row) String() string {
	if r == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(r.Kind.String())
	if r.TableID != "" {
		b.WriteString(" ")
		b.WriteString(r.TableID)
	}
	b.WriteString(" [")
	for i, f := range r.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		switch v := f.(type) {
		case string:
			fmt.Fprintf(&b, "%q", v)
		case nil:
			b.WriteString("null")
		default:
			fmt.Fprint(&b, v)
		}
	}
	b.WriteString("]")
	return b.String()
}
