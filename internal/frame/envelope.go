package frame

import (
	"bytes"
	"encoding/json"
	"fmt"

	"scriptflow/internal/codec"
	"scriptflow/internal/schema"
)

// Envelope is the JSON form of a row on the wire:
//
//	{"kind":"+U","table":"db.users","fields":[1,"alice"]}
//
// A bare JSON array is accepted as the fields of an insert.
type Envelope struct {
	Kind   string `json:"kind,omitempty"`
	Table  string `json:"table,omitempty"`
	Fields []any  `json:"fields"`
}

// DecodeRow parses a frame value against the input schema.
func DecodeRow(value []byte, s schema.Schema, defaultTable string) (*schema.Row, error) {
	trimmed := bytes.TrimSpace(value)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var env Envelope
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := dec.Decode(&env.Fields); err != nil {
			return nil, fmt.Errorf("decode row fields: %w", err)
		}
	} else if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode row envelope: %w", err)
	}

	kind, err := schema.ParseChangeKind(env.Kind)
	if err != nil {
		return nil, err
	}
	if len(env.Fields) != s.Arity() {
		return nil, fmt.Errorf("row has %d fields, input schema %s declares %d", len(env.Fields), s, s.Arity())
	}
	fields, err := codec.DecodeFields(env.Fields, s, nil)
	if err != nil {
		return nil, err
	}
	table := env.Table
	if table == "" {
		table = defaultTable
	}
	return &schema.Row{Kind: kind, TableID: table, Fields: fields}, nil
}

// EncodeRow renders row as an envelope against the output schema.
func EncodeRow(row *schema.Row, s schema.Schema) ([]byte, error) {
	fields, _, err := codec.EncodeFields(row.Fields, s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: row.Kind.String(), Table: row.TableID, Fields: fields})
}
