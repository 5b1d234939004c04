package frame

import (
	"reflect"
	"testing"

	"scriptflow/internal/schema"
)

var users = schema.New(
	schema.Column{Name: "id", Type: schema.BigInt, PrimaryKey: true},
	schema.Column{Name: "name", Type: schema.String, Nullable: true},
)

func TestDecodeRow(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want *schema.Row
	}{
		{"envelope", `{"kind":"-U","table":"db.users","fields":[1,"a"]}`,
			&schema.Row{Kind: schema.UpdateBefore, TableID: "db.users", Fields: []any{int64(1), "a"}}},
		{"bare array", ` [2, null]`,
			&schema.Row{Kind: schema.Insert, TableID: "fallback", Fields: []any{int64(2), nil}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := DecodeRow([]byte(c.in), users, "fallback")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestDecodeRow_Errors(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`[1]`,
		`{"kind":"?","fields":[1,"a"]}`,
		`{"fields":["x","a"]}`,
		`[null,"a"]`,
	} {
		if _, err := DecodeRow([]byte(in), users, ""); err == nil {
			t.Errorf("DecodeRow(%s) accepted", in)
		}
	}
}

func TestEncodeRow(t *testing.T) {
	row := &schema.Row{Kind: schema.Delete, TableID: "db.users", Fields: []any{int64(3), "c"}}
	b, err := EncodeRow(row, users)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), `{"kind":"-D","table":"db.users","fields":[3,"c"]}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	back, err := DecodeRow(b, users, "")
	if err != nil || !reflect.DeepEqual(back, row) {
		t.Fatalf("decode back: %v, %v", back, err)
	}
}

func TestCheckpoint(t *testing.T) {
	cp := Checkpoint{Topic: "t", Partition: 2, Offset: 9}
	if cp.String() != "t[2]@9" || cp.PartitionKey().String() != "t[2]" {
		t.Fatalf("%s %s", cp, cp.PartitionKey())
	}
}
