package canonicalize

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPayload_Sorting(t *testing.T) {
	input := map[string]any{
		"c": json.Number("3"),
		"a": json.Number("1"),
		"b": json.Number("2"),
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Payload(input)
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestPayload_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": json.Number("1"),
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Payload(input)
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestPayload_NoHTMLEscaping(t *testing.T) {
	input := map[string]any{
		"html": "<script>alert('xss')</script> &",
	}

	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Payload(input)
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestPayload_NumberTextPreserved(t *testing.T) {
	input := map[string]any{"n": json.Number("123.456")}

	b, err := Payload(input)
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(b) != `{"n":123.456}` {
		t.Errorf("number text not preserved: %s", string(b))
	}
}

func TestPayload_Struct(t *testing.T) {
	type inner struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	b, err := Payload(inner{B: 2, A: 1})
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2}` {
		t.Errorf("struct canonicalization wrong: %s", string(b))
	}
}

func TestHashPayload_KeyOrderEquivalence(t *testing.T) {
	first := map[string]any{"a": json.Number("1"), "b": json.Number("2")}
	second := map[string]any{"b": json.Number("2"), "a": json.Number("1")}

	h1, err := HashPayload(first)
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	h2, err := HashPayload(second)
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("key order changed the hash: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
	if strings.ToLower(h1) != h1 {
		t.Errorf("hash not lowercase hex: %s", h1)
	}
}

func TestHashPayload_DifferentPayloadsDiffer(t *testing.T) {
	h1, err := HashPayload(map[string]any{"a": json.Number("1")})
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	h2, err := HashPayload(map[string]any{"a": json.Number("2")})
	if err != nil {
		t.Fatalf("HashPayload failed: %v", err)
	}
	if h1 == h2 {
		t.Error("distinct payloads produced the same hash")
	}
}

func TestRaw_EquivalentSerializations(t *testing.T) {
	a, err := Raw([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	b, err := Raw([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("whitespace/order variants not canonical: %s vs %s", a, b)
	}
}
