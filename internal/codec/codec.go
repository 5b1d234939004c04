// Package codec converts typed row values to the JSON values exchanged with
// scripts and back. It is pure: no I/O, no state.
//
// Wire representation per type:
//
//	boolean, string, integers, float, double  JSON bool / string / number
//	decimal                                   JSON number, rendered at the type's scale
//	date                                      "2006-01-02"
//	time                                      "15:04:05.999999999"
//	timestamp                                 "2006-01-02T15:04:05.999999999", normalised to UTC
//	bytes                                     base64 string
//	array                                     JSON array
//	map                                       JSON object, keys rendered as text
//	row                                       JSON array of the nested field values
//
// Decimals decode rounded half away from zero to the declared scale and must
// fit the declared precision. A nested row's change kind and table travel
// out of band: EncodeFields records them as Nested and DecodeFields puts
// them back on rows found at the same position.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
)

const (
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05.999999999"
	TimestampLayout = "2006-01-02T15:04:05.999999999"
)

// Encode converts v, a value of type t, into its JSON-ready form.
func Encode(v any, t schema.DataType, field string) (any, error) {
	return encode(v, t, field, "", nil)
}

func encode(v any, t schema.DataType, field, path string, n Nested) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tt := t.(type) {
	case schema.Basic:
		return encodeBasic(v, tt, field)
	case schema.DecimalType:
		r, err := toRat(v)
		if err != nil {
			return nil, unsupported(field, t, err)
		}
		return json.Number(r.FloatString(tt.Scale)), nil
	case schema.ArrayType:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, unsupported(field, t, fmt.Errorf("got %T", v))
		}
		out := make([]any, rv.Len())
		for i := range out {
			e, err := encode(rv.Index(i).Interface(), tt.Elem, field, join(path, strconv.Itoa(i)), n)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case schema.MapType:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map {
			return nil, unsupported(field, t, fmt.Errorf("got %T", v))
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := Encode(iter.Key().Interface(), tt.Key, field)
			if err != nil {
				return nil, err
			}
			ks, err := keyText(k)
			if err != nil {
				return nil, unsupported(field, t, err)
			}
			val, err := encode(iter.Value().Interface(), tt.Value, field, join(path, ks), n)
			if err != nil {
				return nil, err
			}
			out[ks] = val
		}
		return out, nil
	case schema.RowType:
		var fields []any
		switch r := v.(type) {
		case *schema.Row:
			fields = r.Fields
			n.record(path, r)
		case schema.Row:
			fields = r.Fields
			n.record(path, &r)
		case []any:
			fields = r
		default:
			return nil, unsupported(field, t, fmt.Errorf("got %T", v))
		}
		if len(fields) != len(tt.Fields) {
			return nil, unsupported(field, t, fmt.Errorf("row has %d fields, type declares %d", len(fields), len(tt.Fields)))
		}
		out := make([]any, len(fields))
		for i, f := range tt.Fields {
			e, err := encode(fields[i], f.Type, f.Name, join(path, strconv.Itoa(i)), n)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	}
	return nil, unsupported(field, t, nil)
}

func encodeBasic(v any, t schema.Basic, field string) (any, error) {
	switch t.SQLType() {
	case schema.TypeNull:
		return nil, nil
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case schema.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case schema.TypeTinyInt, schema.TypeSmallInt, schema.TypeInt, schema.TypeBigInt:
		if isInteger(v) {
			return v, nil
		}
	case schema.TypeFloat, schema.TypeDouble:
		f, ok := asFloat(v)
		if !ok {
			break
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, unsupported(field, t, fmt.Errorf("%v has no JSON form", f))
		}
		return v, nil
	case schema.TypeDate:
		if tm, ok := v.(time.Time); ok {
			return tm.Format(DateLayout), nil
		}
	case schema.TypeTime:
		if tm, ok := v.(time.Time); ok {
			return tm.Format(TimeLayout), nil
		}
	case schema.TypeTimestamp:
		if tm, ok := v.(time.Time); ok {
			return tm.UTC().Format(TimestampLayout), nil
		}
	case schema.TypeBytes:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b), nil
		}
	}
	return nil, unsupported(field, t, fmt.Errorf("got %T", v))
}

// Decode converts a JSON value (as produced by encoding/json with UseNumber,
// or by Encode) into the Go representation of t.
func Decode(v any, t schema.DataType, field string) (any, error) {
	return decode(v, t, field, "", nil)
}

func decode(v any, t schema.DataType, field, path string, n Nested) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch tt := t.(type) {
	case schema.Basic:
		return decodeBasic(v, tt, field)
	case schema.DecimalType:
		r, err := toRat(v)
		if err == nil {
			r, err = fitDecimal(r, tt)
		}
		if err != nil {
			return nil, unsupported(field, t, err)
		}
		return r, nil
	case schema.ArrayType:
		arr, ok := v.([]any)
		if !ok {
			return nil, unsupported(field, t, fmt.Errorf("got %T", v))
		}
		out := make([]any, len(arr))
		for i, e := range arr {
			d, err := decode(e, tt.Elem, field, join(path, strconv.Itoa(i)), n)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case schema.MapType:
		return decodeMap(v, tt, field, path, n)
	case schema.RowType:
		return decodeRow(v, tt, field, path, n)
	}
	return nil, unsupported(field, t, nil)
}

func decodeBasic(v any, t schema.Basic, field string) (any, error) {
	var (
		out any
		err error
	)
	switch t.SQLType() {
	case schema.TypeNull:
		return nil, nil
	case schema.TypeBoolean:
		out, err = toBool(v)
	case schema.TypeString:
		out, err = toText(v)
	case schema.TypeTinyInt:
		out, err = toIntN(v, 8)
	case schema.TypeSmallInt:
		out, err = toIntN(v, 16)
	case schema.TypeInt:
		out, err = toIntN(v, 32)
	case schema.TypeBigInt:
		out, err = toIntN(v, 64)
	case schema.TypeFloat:
		var f float64
		if f, err = toFloat(v); err == nil {
			if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
				err = fmt.Errorf("%v overflows float", f)
			}
			out = float32(f)
		}
	case schema.TypeDouble:
		out, err = toFloat(v)
	case schema.TypeDate:
		var tm time.Time
		if tm, err = toTime(v, DateLayout, TimestampLayout, "2006-01-02 15:04:05.999999999", time.RFC3339Nano); err == nil {
			out = time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, time.UTC)
		}
	case schema.TypeTime:
		out, err = toTime(v, TimeLayout, "15:04")
	case schema.TypeTimestamp:
		out, err = toTime(v, TimestampLayout, "2006-01-02 15:04:05.999999999", time.RFC3339Nano, DateLayout)
	case schema.TypeBytes:
		out, err = toBytes(v)
	default:
		err = fmt.Errorf("no mapping")
	}
	if err != nil {
		return nil, unsupported(field, t, err)
	}
	return out, nil
}

func decodeMap(v any, t schema.MapType, field, path string, n Nested) (any, error) {
	switch t.Key.SQLType() {
	case schema.TypeBytes, schema.TypeArray, schema.TypeMap, schema.TypeRow, schema.TypeDecimal:
		return nil, unsupported(field, t, fmt.Errorf("%s keys are not comparable", t.Key))
	}
	out := make(map[any]any)
	put := func(k, val any) error {
		dk, err := Decode(k, t.Key, field)
		if err != nil {
			return err
		}
		ks, _ := keyText(k)
		dv, err := decode(val, t.Value, field, join(path, ks), n)
		if err != nil {
			return err
		}
		out[dk] = dv
		return nil
	}
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			if err := put(k, val); err != nil {
				return nil, err
			}
		}
	case map[any]any:
		for k, val := range m {
			if err := put(k, val); err != nil {
				return nil, err
			}
		}
	default:
		return nil, unsupported(field, t, fmt.Errorf("got %T", v))
	}
	return out, nil
}

func decodeRow(v any, t schema.RowType, field, path string, n Nested) (any, error) {
	values := make([]any, len(t.Fields))
	switch r := v.(type) {
	case []any:
		if len(r) != len(t.Fields) {
			return nil, unsupported(field, t, fmt.Errorf("got %d values for %d fields", len(r), len(t.Fields)))
		}
		copy(values, r)
	case map[string]any:
		for i, f := range t.Fields {
			values[i] = r[f.Name]
		}
	default:
		return nil, unsupported(field, t, fmt.Errorf("got %T", v))
	}
	for i, f := range t.Fields {
		d, err := decode(values[i], f.Type, f.Name, join(path, strconv.Itoa(i)), n)
		if err != nil {
			return nil, err
		}
		values[i] = d
	}
	row := &schema.Row{Fields: values}
	if m, ok := n[path]; ok {
		row.Kind, row.TableID = m.Kind, m.TableID
	}
	return row, nil
}

// fitDecimal rounds r to the scale of t and checks it against the
// precision. A zero precision is unbounded.
func fitDecimal(r *big.Rat, t schema.DecimalType) (*big.Rat, error) {
	text := r.FloatString(t.Scale)
	if t.Precision > 0 {
		digits := strings.TrimLeft(strings.NewReplacer("-", "", ".", "").Replace(text), "0")
		if len(digits) > t.Precision {
			return nil, fmt.Errorf("%s exceeds precision %d", text, t.Precision)
		}
	}
	out, ok := new(big.Rat).SetString(text)
	if !ok {
		return nil, fmt.Errorf("cannot parse %q", text)
	}
	return out, nil
}

func unsupported(field string, t schema.DataType, cause error) error {
	e := scripterr.UnsupportedDataType(field, t.String())
	e.Err = cause
	return e
}

/*──────── scalar conversions ───────*/

func isInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return true
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	}
	return 0, false
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("got %T", v)
}

// toText follows the usual JSON-to-string rule: text is taken as is, any
// other JSON value is rendered as its JSON source.
func toText(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toIntN(v any, bits int) (any, error) {
	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	lim := int64(1) << (bits - 1)
	if bits < 64 && (n < -lim || n >= lim) {
		return nil, fmt.Errorf("%d overflows %d-bit integer", n, bits)
	}
	switch bits {
	case 8:
		return int8(n), nil
	case 16:
		return int16(n), nil
	case 32:
		return int32(n), nil
	}
	return n, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return integral(f)
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, err
		}
		return integral(f)
	case float64:
		return integral(n)
	case float32:
		return integral(float64(n))
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("got %T", v)
}

// integral accepts floats with no fractional part, as scripts doubling an
// integer often produce 4.0 rather than 4.
func integral(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	if i, err := toInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("got %T", v)
}

func toRat(v any) (*big.Rat, error) {
	switch n := v.(type) {
	case *big.Rat:
		return new(big.Rat).Set(n), nil
	case big.Rat:
		return new(big.Rat).Set(&n), nil
	case json.Number:
		return parseRat(string(n))
	case string:
		return parseRat(n)
	case float64:
		if r := new(big.Rat).SetFloat64(n); r != nil {
			return r, nil
		}
		return nil, fmt.Errorf("%v is not a finite number", n)
	case float32:
		if r := new(big.Rat).SetFloat64(float64(n)); r != nil {
			return r, nil
		}
		return nil, fmt.Errorf("%v is not a finite number", n)
	}
	if i, err := toInt64(v); err == nil {
		return new(big.Rat).SetInt64(i), nil
	}
	return nil, fmt.Errorf("got %T", v)
}

func parseRat(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal", s)
	}
	return r, nil
}

func toTime(v any, layouts ...string) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		var first error
		for _, l := range layouts {
			tm, err := time.Parse(l, x)
			if err == nil {
				return tm, nil
			}
			if first == nil {
				first = err
			}
		}
		return time.Time{}, first
	case json.Number, float64, int64, int:
		// epoch milliseconds
		ms, err := toInt64(x)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("got %T", v)
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case string:
		return base64.StdEncoding.DecodeString(b)
	case []byte:
		return append([]byte(nil), b...), nil
	}
	return nil, fmt.Errorf("got %T", v)
}

func keyText(k any) (string, error) {
	switch x := k.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		return string(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	}
	if isInteger(k) {
		return fmt.Sprint(k), nil
	}
	return "", fmt.Errorf("map key of type %T cannot be rendered as text", k)
}
