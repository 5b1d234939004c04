package docstore

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestDial_RejectsBadURI(t *testing.T) {
	for _, uri := range []string{"", "  ", "http://localhost:27017"} {
		if m, err := Dial(Config{URI: uri}); err == nil {
			m.Close(context.Background())
			t.Errorf("%q: expected error", uri)
		}
	}
}

func TestToBSON(t *testing.T) {
	if got := toBSON(json.Number("42")); got != int64(42) {
		t.Fatalf("integer number = %#v", got)
	}
	d, ok := toBSON(json.Number("12.50")).(bson.Decimal128)
	if !ok || d.String() != "12.50" {
		t.Fatalf("decimal number = %#v", d)
	}
	if got := toBSON("x"); got != "x" {
		t.Fatalf("string = %#v", got)
	}
}

func TestFromBSON(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	dec, err := bson.ParseDecimal128("3.14")
	if err != nil {
		t.Fatal(err)
	}
	oid := bson.NewObjectID()
	in := bson.D{
		{Key: "at", Value: bson.NewDateTimeFromTime(at)},
		{Key: "price", Value: dec},
		{Key: "id", Value: oid},
		{Key: "raw", Value: bson.Binary{Data: []byte{1, 2}}},
		{Key: "tags", Value: bson.A{"a", int32(2)}},
	}
	want := map[string]any{
		"at":    at,
		"price": json.Number("3.14"),
		"id":    oid.Hex(),
		"raw":   []byte{1, 2},
		"tags":  []any{"a", int32(2)},
	}
	if got := fromBSON(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestPathValue(t *testing.T) {
	doc := bson.D{
		{Key: "name", Value: "n"},
		{Key: "geo", Value: bson.D{{Key: "region", Value: "eu"}}},
		{Key: "meta", Value: bson.M{"tier": int32(3)}},
	}
	cases := map[string]any{
		"name":       "n",
		"geo.region": "eu",
		"meta.tier":  int32(3),
		"geo.city":   nil,
		"name.sub":   nil,
		"missing":    nil,
	}
	for path, want := range cases {
		if got := pathValue(doc, path); got != want {
			t.Errorf("%s = %#v, want %#v", path, got, want)
		}
	}
}
