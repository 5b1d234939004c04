package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
)

// RowMeta is the part of a nested row that has no wire form.
type RowMeta struct {
	Kind    schema.ChangeKind
	TableID string
}

// Nested maps the position of each nested row inside a field list to its
// metadata. A position is the column index followed by the array index, map
// key or nested field index at each level, joined with "/".
type Nested map[string]RowMeta

func (n Nested) record(path string, r *schema.Row) {
	if n == nil || r == nil || (r.Kind == schema.Insert && r.TableID == "") {
		return
	}
	n[path] = RowMeta{Kind: r.Kind, TableID: r.TableID}
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "/" + elem
}

// EncodeFields encodes a row's field values positionally against s. The
// returned Nested holds the metadata of any nested rows, or is empty.
func EncodeFields(values []any, s schema.Schema) ([]any, Nested, error) {
	if len(values) != s.Arity() {
		return nil, nil, scripterr.New(scripterr.ErrUnsupportedDataType, "row has %d fields, input schema declares %d", len(values), s.Arity())
	}
	out := make([]any, len(values))
	nested := Nested{}
	for i, col := range s.Columns {
		v, err := encode(values[i], col.Type, col.Name, strconv.Itoa(i), nested)
		if err != nil {
			return nil, nil, err
		}
		out[i] = v
	}
	return out, nested, nil
}

// DecodeFields decodes a script response positionally against s. A null
// value for a column with a declared default takes the default; any other
// null must be in a nullable column. Rows decoded at a position recorded in
// nested get that metadata back.
func DecodeFields(values []any, s schema.Schema, nested Nested) ([]any, error) {
	if len(values) != s.Arity() {
		return nil, scripterr.Framing(fmt.Sprintf("expected %d values, got %d", s.Arity(), len(values)), render(values))
	}
	out := make([]any, len(values))
	for i, col := range s.Columns {
		raw := values[i]
		if raw == nil && col.DefaultValue != nil {
			raw = col.DefaultValue
		}
		if raw == nil && !col.Nullable {
			return nil, &scripterr.Error{Kind: scripterr.ErrUnsupportedDataType, Field: col.Name, Detail: "null in non-nullable " + col.Type.String() + " column"}
		}
		v, err := decode(raw, col.Type, col.Name, strconv.Itoa(i), nested)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func render(values []any) string {
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprint(values)
	}
	return string(b)
}
