// Package schema describes the shape of rows flowing through a pipeline:
// semantic data types, ordered column lists and the rows themselves.
package schema

import (
	"fmt"
	"strings"
)

// SQLType is the semantic tag of a DataType.
type SQLType int

const (
	TypeNull SQLType = iota
	TypeBoolean
	TypeString
	TypeTinyInt
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeDecimal
	TypeDate
	TypeTime
	TypeTimestamp
	TypeBytes
	TypeArray
	TypeMap
	TypeRow
)

var sqlTypeNames = [...]string{
	TypeNull:      "null",
	TypeBoolean:   "boolean",
	TypeString:    "string",
	TypeTinyInt:   "tinyint",
	TypeSmallInt:  "smallint",
	TypeInt:       "int",
	TypeBigInt:    "bigint",
	TypeFloat:     "float",
	TypeDouble:    "double",
	TypeDecimal:   "decimal",
	TypeDate:      "date",
	TypeTime:      "time",
	TypeTimestamp: "timestamp",
	TypeBytes:     "bytes",
	TypeArray:     "array",
	TypeMap:       "map",
	TypeRow:       "row",
}

func (t SQLType) String() string {
	if t < 0 || int(t) >= len(sqlTypeNames) {
		return fmt.Sprintf("sqltype(%d)", int(t))
	}
	return sqlTypeNames[t]
}

// DataType is a closed set: Basic, DecimalType, ArrayType, MapType and
// RowType are the only implementations.
type DataType interface {
	SQLType() SQLType
	String() string
	dataType()
}

// Basic covers every type that carries no parameters.
type Basic struct{ kind SQLType }

func (b Basic) SQLType() SQLType { return b.kind }
func (b Basic) String() string   { return b.kind.String() }
func (Basic) dataType()          {}

var (
	Null      DataType = Basic{TypeNull}
	Boolean   DataType = Basic{TypeBoolean}
	String    DataType = Basic{TypeString}
	TinyInt   DataType = Basic{TypeTinyInt}
	SmallInt  DataType = Basic{TypeSmallInt}
	Int       DataType = Basic{TypeInt}
	BigInt    DataType = Basic{TypeBigInt}
	Float     DataType = Basic{TypeFloat}
	Double    DataType = Basic{TypeDouble}
	Date      DataType = Basic{TypeDate}
	Time      DataType = Basic{TypeTime}
	Timestamp DataType = Basic{TypeTimestamp}
	Bytes     DataType = Basic{TypeBytes}
)

type DecimalType struct {
	Precision int
	Scale     int
}

func (DecimalType) SQLType() SQLType { return TypeDecimal }
func (d DecimalType) String() string { return fmt.Sprintf("decimal(%d, %d)", d.Precision, d.Scale) }
func (DecimalType) dataType()        {}

type ArrayType struct{ Elem DataType }

func (ArrayType) SQLType() SQLType { return TypeArray }
func (a ArrayType) String() string { return "array<" + a.Elem.String() + ">" }
func (ArrayType) dataType()        {}

type MapType struct{ Key, Value DataType }

func (MapType) SQLType() SQLType { return TypeMap }
func (m MapType) String() string { return "map<" + m.Key.String() + ", " + m.Value.String() + ">" }
func (MapType) dataType()        {}

// RowField is one named member of a nested row type.
type RowField struct {
	Name string
	Type DataType
}

type RowType struct{ Fields []RowField }

func (RowType) SQLType() SQLType { return TypeRow }

func (r RowType) String() string {
	parts := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		parts[i] = f.Name + " " + f.Type.String()
	}
	return "row<" + strings.Join(parts, ", ") + ">"
}

func (RowType) dataType() {}

// Equal reports structural equality of two types.
func Equal(a, b DataType) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.SQLType() != b.SQLType() {
		return false
	}
	switch x := a.(type) {
	case Basic:
		return true
	case DecimalType:
		return x == b.(DecimalType)
	case ArrayType:
		return Equal(x.Elem, b.(ArrayType).Elem)
	case MapType:
		y := b.(MapType)
		return Equal(x.Key, y.Key) && Equal(x.Value, y.Value)
	case RowType:
		y := b.(RowType)
		if len(x.Fields) != len(y.Fields) {
			return false
		}
		for i := range x.Fields {
			if x.Fields[i].Name != y.Fields[i].Name || !Equal(x.Fields[i].Type, y.Fields[i].Type) {
				return false
			}
		}
		return true
	}
	return false
}
