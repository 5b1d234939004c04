package schema

import (
	"strings"
	"testing"
)

func TestParseType_RoundTripsCanonicalForm(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"int", "int"},
		{"INTEGER", "int"},
		{"long", "bigint"},
		{"varchar", "string"},
		{"datetime", "timestamp"},
		{"decimal", "decimal(38, 18)"},
		{"decimal(10,2)", "decimal(10, 2)"},
		{"decimal(7)", "decimal(7, 0)"},
		{"array<string>", "array<string>"},
		{"map<string,array<int>>", "map<string, array<int>>"},
		{"row<id bigint, tags array<string>, geo row<lat double, lon double>>",
			"row<id bigint, tags array<string>, geo row<lat double, lon double>>"},
		{"struct<a int>", "row<a int>"},
	}
	for _, tc := range cases {
		got, err := ParseType(tc.in)
		if err != nil {
			t.Fatalf("ParseType(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseType(%q) = %s, want %s", tc.in, got, tc.want)
		}
		again, err := ParseType(got.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", got, err)
		}
		if !Equal(got, again) {
			t.Fatalf("reparse of %s is not equal: %s", got, again)
		}
	}
}

func TestParseType_Errors(t *testing.T) {
	for _, in := range []string{
		"",
		"uuid",
		"array<int",
		"map<string>",
		"decimal(2, 5)",
		"decimal(x)",
		"row<>",
		"int extra",
	} {
		if _, err := ParseType(in); err == nil {
			t.Fatalf("ParseType(%q): expected error", in)
		}
	}
}

func TestEqual(t *testing.T) {
	a := RowType{Fields: []RowField{{"x", Int}, {"y", ArrayType{Elem: String}}}}
	b := RowType{Fields: []RowField{{"x", Int}, {"y", ArrayType{Elem: String}}}}
	c := RowType{Fields: []RowField{{"x", Int}, {"y", ArrayType{Elem: BigInt}}}}
	if !Equal(a, b) {
		t.Fatal("expected equal row types")
	}
	if Equal(a, c) {
		t.Fatal("expected different row types")
	}
	if Equal(DecimalType{10, 2}, DecimalType{10, 3}) {
		t.Fatal("decimal scale must matter")
	}
}

func TestSchema_ValidateAndLookup(t *testing.T) {
	s := New(
		Column{Name: "id", Type: BigInt, PrimaryKey: true},
		Column{Name: "email", Type: String, Nullable: true},
	)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Arity() != 2 || s.IndexOf("email") != 1 || s.IndexOf("nope") != -1 {
		t.Fatalf("unexpected lookup results for %s", s)
	}
	if pk := s.PrimaryKey(); len(pk) != 1 || pk[0] != "id" {
		t.Fatalf("PrimaryKey = %v", pk)
	}

	bad := New(Column{Name: "a", Type: Int}, Column{Name: "a"}, Column{Type: Int})
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"duplicate", "type must not be empty", "name must not be empty"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestChangeKind(t *testing.T) {
	for in, want := range map[string]ChangeKind{
		"":             Insert,
		"+I":           Insert,
		"-u":           UpdateBefore,
		"update_after": UpdateAfter,
		"-D":           Delete,
	} {
		got, err := ParseChangeKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseChangeKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseChangeKind("upsert"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if Delete.String() != "-D" {
		t.Fatalf("Delete.String() = %s", Delete)
	}
}

func TestRow_WithFieldsKeepsMetadata(t *testing.T) {
	in := &Row{Kind: UpdateAfter, TableID: "db.users", Fields: []any{1, "a"}}
	out := in.WithFields([]any{2})
	if out.Kind != UpdateAfter || out.TableID != "db.users" || out.Arity() != 1 {
		t.Fatalf("unexpected row %s", out)
	}
	if got := in.String(); got != `+U db.users [1, "a"]` {
		t.Fatalf("String() = %s", got)
	}
}
