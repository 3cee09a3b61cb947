package encoding

import (
	"testing"
)

func TestMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int", 12345},
		{"float64", 3.14159},
		{"bool", true},
		{"map", map[string]interface{}{"symbol": "MSFT", "price": 101.5}},
		{"nested", map[string]interface{}{
			"row": map[string]interface{}{
				"Symbol": "AAPL",
				"Price":  187.25,
			},
			"tables": []string{"quotes", "orders"},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}

			var out interface{}
			if err := Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
		})
	}
}

func TestUnmarshal_StringsStayStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"key": "MSFT"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	v, ok := out["key"].(string)
	if !ok {
		t.Fatalf("expected string, got %T", out["key"])
	}
	if v != "MSFT" {
		t.Errorf("value = %q, want MSFT", v)
	}
}

func TestUnmarshal_InvalidData(t *testing.T) {
	var out map[string]interface{}
	if err := Unmarshal([]byte{0xc1}, &out); err == nil {
		t.Error("expected error for invalid msgpack data")
	}
}
