package common

import (
	"encoding/json"
	"testing"
)

func TestOperationString(t *testing.T) {
	cases := []struct {
		op   Operation
		want string
	}{
		{OpNone, "none"},
		{OpInsert, "insert"},
		{OpUpdate, "update"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, c := range cases {
		if got := c.op.String(); got != c.want {
			t.Errorf("Operation(%d).String() = %q, want %q", c.op, got, c.want)
		}
	}
}

func TestOperationFromCode(t *testing.T) {
	cases := []struct {
		code int
		want Operation
	}{
		{CodeInsert, OpInsert},
		{CodeUpdate, OpUpdate},
		{CodeDelete, OpDelete},
		{0, OpNone},
		{42, OpNone},
		{-1, OpNone},
	}

	for _, c := range cases {
		if got := OperationFromCode(c.code); got != c.want {
			t.Errorf("OperationFromCode(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestOperationZeroValueIsNone(t *testing.T) {
	var op Operation
	if op != OpNone {
		t.Fatalf("zero value = %v, want OpNone", op)
	}
}

func TestOperationJSON(t *testing.T) {
	data, err := json.Marshal(OpUpdate)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"update"` {
		t.Errorf("marshal = %s, want %q", data, `"update"`)
	}

	var op Operation
	if err := json.Unmarshal([]byte(`"delete"`), &op); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if op != OpDelete {
		t.Errorf("unmarshal = %v, want OpDelete", op)
	}

	if err := json.Unmarshal([]byte(`"truncate"`), &op); err == nil {
		t.Error("expected error for unknown operation name")
	}
}

func TestChangeEventJSON(t *testing.T) {
	ev := ChangeEvent{
		Seq:   7,
		Table: "quotes",
		Op:    OpUpdate,
		Key:   "MSFT",
		Row:   map[string]any{"Symbol": "MSFT", "Price": 101.0},
		Prior: map[string]any{"Symbol": "MSFT", "Price": 100.0},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["op"] != "update" {
		t.Errorf("op = %v, want update", decoded["op"])
	}
	if decoded["table"] != "quotes" {
		t.Errorf("table = %v, want quotes", decoded["table"])
	}
	row, ok := decoded["row"].(map[string]any)
	if !ok {
		t.Fatalf("row missing or wrong type: %v", decoded["row"])
	}
	if row["Price"] != 101.0 {
		t.Errorf("row.Price = %v, want 101", row["Price"])
	}
}

func TestChangeEventHasPrior(t *testing.T) {
	ins := ChangeEvent{Op: OpInsert, Row: map[string]any{"a": 1}}
	if ins.HasPrior() {
		t.Error("insert should not carry a prior image")
	}

	upd := ChangeEvent{Op: OpUpdate, Row: map[string]any{"a": 2}, Prior: map[string]any{"a": 1}}
	if !upd.HasPrior() {
		t.Error("update should carry a prior image")
	}
}
