package schema

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var basicByName = map[string]DataType{
	"null":      Null,
	"bool":      Boolean,
	"boolean":   Boolean,
	"string":    String,
	"varchar":   String,
	"text":      String,
	"tinyint":   TinyInt,
	"smallint":  SmallInt,
	"int":       Int,
	"integer":   Int,
	"bigint":    BigInt,
	"long":      BigInt,
	"float":     Float,
	"real":      Float,
	"double":    Double,
	"date":      Date,
	"time":      Time,
	"timestamp": Timestamp,
	"datetime":  Timestamp,
	"bytes":     Bytes,
	"binary":    Bytes,
}

// Default precision and scale of a bare "decimal".
const (
	DefaultPrecision = 38
	DefaultScale     = 18
)

// ParseType parses a declared type such as "bigint", "decimal(10, 2)",
// "array<string>", "map<string, int>" or "row<id int, tags array<string>>".
// Names are case-insensitive.
func ParseType(s string) (DataType, error) {
	p := &typeParser{src: s}
	p.next()
	t, err := p.parseType()
	if err != nil {
		return nil, fmt.Errorf("parse type %q: %w", s, err)
	}
	if p.tok != "" {
		return nil, fmt.Errorf("parse type %q: unexpected %q", s, p.tok)
	}
	return t, nil
}

// MustParseType is ParseType for static declarations; it panics on error.
func MustParseType(s string) DataType {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	src string
	pos int
	tok string
}

// next advances to the following token: an identifier, a number, or one of
// the punctuation characters < > ( ) ,
func (p *typeParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = ""
		return
	}
	start := p.pos
	switch c := p.src[p.pos]; {
	case strings.IndexByte("<>(),", c) >= 0:
		p.pos++
	default:
		for p.pos < len(p.src) {
			c := rune(p.src[p.pos])
			if !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_') {
				break
			}
			p.pos++
		}
		if p.pos == start {
			p.pos++
		}
	}
	p.tok = p.src[start:p.pos]
}

func (p *typeParser) expect(tok string) error {
	if p.tok != tok {
		if p.tok == "" {
			return fmt.Errorf("expected %q, got end of input", tok)
		}
		return fmt.Errorf("expected %q, got %q", tok, p.tok)
	}
	p.next()
	return nil
}

func (p *typeParser) parseType() (DataType, error) {
	name := strings.ToLower(p.tok)
	if name == "" {
		return nil, fmt.Errorf("missing type name")
	}
	p.next()
	switch name {
	case "decimal", "numeric":
		return p.parseDecimal()
	case "array":
		if err := p.expect("<"); err != nil {
			return nil, err
		}
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		return ArrayType{Elem: elem}, p.expect(">")
	case "map":
		if err := p.expect("<"); err != nil {
			return nil, err
		}
		key, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		val, err := p.parseType()
		if err != nil {
			return nil, err
		}
		return MapType{Key: key, Value: val}, p.expect(">")
	case "row", "struct":
		return p.parseRow()
	}
	if t, ok := basicByName[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}

func (p *typeParser) parseDecimal() (DataType, error) {
	if p.tok != "(" {
		return DecimalType{Precision: DefaultPrecision, Scale: DefaultScale}, nil
	}
	p.next()
	prec, err := p.parseInt()
	if err != nil {
		return nil, err
	}
	scale := 0
	if p.tok == "," {
		p.next()
		if scale, err = p.parseInt(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if prec <= 0 || scale < 0 || scale > prec {
		return nil, fmt.Errorf("invalid decimal(%d, %d)", prec, scale)
	}
	return DecimalType{Precision: prec, Scale: scale}, nil
}

func (p *typeParser) parseInt() (int, error) {
	n, err := strconv.Atoi(p.tok)
	if err != nil {
		return 0, fmt.Errorf("expected number, got %q", p.tok)
	}
	p.next()
	return n, nil
}

func (p *typeParser) parseRow() (DataType, error) {
	if err := p.expect("<"); err != nil {
		return nil, err
	}
	var fields []RowField
	for {
		name := p.tok
		if name == "" || strings.ContainsAny(name, "<>(),") {
			return nil, fmt.Errorf("expected field name, got %q", name)
		}
		p.next()
		t, err := p.parseType()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, RowField{Name: name, Type: t})
		if p.tok != "," {
			break
		}
		p.next()
	}
	return RowType{Fields: fields}, p.expect(">")
}
