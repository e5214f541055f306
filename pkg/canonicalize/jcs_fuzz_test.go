package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

func FuzzPayload(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := Payload(v)
		if err != nil {
			return
		}

		// Determinism.
		b2, err := Payload(v)
		if err != nil {
			t.Fatal("Payload returned error on second call but not first")
		}
		if !bytes.Equal(b1, b2) {
			t.Errorf("non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// Output must be valid JSON.
		var check any
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("output is not valid JSON: %s", string(b1))
		}
	})
}
