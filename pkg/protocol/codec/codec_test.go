package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodec(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	in := map[string]any{"n": 42}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(out["n"].(uint64)) != 42 && int(out["n"].(float64)) != 42 { // decoder may choose num type
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodecRejectsOversizedContainer(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	nested := map[string]any{}
	cur := nested
	for i := 0; i < 32; i++ {
		inner := map[string]any{}
		cur["next"] = inner
		cur = inner
	}
	b, err := c.Marshal(nested)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err == nil {
		t.Fatal("expected decode to reject a container deeper than MaxNestedLevels")
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestNewFullRegistryIncludesAllThreeCodecs(t *testing.T) {
	r := NewFullRegistry()
	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("expected 3 registered codecs, got %v", names)
	}
	for _, ct := range []string{"application/json", "application/cbor", "application/x-protobuf"} {
		if r.Get(ct) == nil {
			t.Fatalf("expected %s to be registered, got %v", ct, names)
		}
	}
}
