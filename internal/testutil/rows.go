package testutil

import (
	"encoding/json"
	"testing"
)

// JSON marshals v, failing the test on error.
func JSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling %T: %v", v, err)
	}
	return b
}

// Product returns a products row.
func Product(t *testing.T, id, name string, price float64) json.RawMessage {
	return JSON(t, map[string]any{"id": id, "name": name, "price": price})
}

// Customer returns a customers row.
func Customer(t *testing.T, id, name, phone string) json.RawMessage {
	return JSON(t, map[string]any{"id": id, "name": name, "phone": phone})
}

// Sale returns a sales row.
func Sale(t *testing.T, id, customerID string, total float64) json.RawMessage {
	return JSON(t, map[string]any{"id": id, "customer_id": customerID, "total": total})
}

// Fields decodes a row object into a map.
func Fields(t *testing.T, data json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decoding row: %v", err)
	}
	return m
}
