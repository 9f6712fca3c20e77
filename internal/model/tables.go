package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Table names tracked by the engine. The set is fixed at compile time.
const (
	TableProducts  = "products"
	TableCustomers = "customers"
	TableSales     = "sales"
	TableSaleItems = "sale_items"
	TableSettings  = "settings"
)

// FieldKind is the JSON type expected for a field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindAny    FieldKind = "any"
)

// Field describes one column of a table row.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// TableSchema describes the fields a row of a table may carry at the
// current schema version.
type TableSchema struct {
	Name   string
	Fields []Field
}

var schemas = []TableSchema{
	{Name: TableProducts, Fields: []Field{
		{Name: "id", Kind: KindString, Required: true},
		{Name: "name", Kind: KindString, Required: true},
		{Name: "price", Kind: KindNumber, Required: true},
		{Name: "stock", Kind: KindNumber},
		{Name: "barcode", Kind: KindString},
	}},
	{Name: TableCustomers, Fields: []Field{
		{Name: "id", Kind: KindString, Required: true},
		{Name: "name", Kind: KindString, Required: true},
		{Name: "phone", Kind: KindString},
		{Name: "email", Kind: KindString},
		{Name: "credit_limit", Kind: KindNumber},
	}},
	{Name: TableSales, Fields: []Field{
		{Name: "id", Kind: KindString, Required: true},
		{Name: "customer_id", Kind: KindString},
		{Name: "total", Kind: KindNumber, Required: true},
		{Name: "created_at", Kind: KindString},
		{Name: "payment_method", Kind: KindString},
	}},
	{Name: TableSaleItems, Fields: []Field{
		{Name: "id", Kind: KindString, Required: true},
		{Name: "sale_id", Kind: KindString, Required: true},
		{Name: "product_id", Kind: KindString, Required: true},
		{Name: "quantity", Kind: KindNumber, Required: true},
		{Name: "unit_price", Kind: KindNumber, Required: true},
		{Name: "discount", Kind: KindNumber},
	}},
	{Name: TableSettings, Fields: []Field{
		{Name: "id", Kind: KindString, Required: true},
		{Name: "value", Kind: KindAny},
	}},
}

// Tables returns the tracked table names in capture order.
func Tables() []string {
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}

// Schema returns the schema for a table, or false if the table is not tracked.
func Schema(table string) (TableSchema, bool) {
	for _, s := range schemas {
		if s.Name == table {
			return s, true
		}
	}
	return TableSchema{}, false
}

// IsTracked reports whether table is one of the tracked tables.
func IsTracked(table string) bool {
	_, ok := Schema(table)
	return ok
}

// Validate checks that data is a JSON object matching the schema.
// Unknown fields are rejected; optional fields may be absent or null.
func (s TableSchema) Validate(data json.RawMessage) error {
	fields, err := DecodeFields(data)
	if err != nil {
		return err
	}

	known := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = f
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := known[name]
		if !ok {
			return fmt.Errorf("%s: unknown field %q", s.Name, name)
		}
		if !kindMatches(f.Kind, fields[name]) {
			return fmt.Errorf("%s: field %q must be %s", s.Name, name, f.Kind)
		}
	}

	for _, f := range s.Fields {
		v, ok := fields[f.Name]
		if f.Required && (!ok || isNull(v)) {
			return fmt.Errorf("%s: missing required field %q", s.Name, f.Name)
		}
	}
	return nil
}

// DecodeFields decodes a JSON object into its raw fields.
func DecodeFields(data json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("row is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("row is not a JSON object")
	}
	return fields, nil
}

// RowFromJSON builds a Row from a JSON object, taking the key from its "id" field.
func RowFromJSON(data json.RawMessage) (Row, error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return Row{}, err
	}
	raw, ok := fields["id"]
	if !ok {
		return Row{}, fmt.Errorf("row has no id field")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return Row{}, fmt.Errorf("row id must be a non-empty string")
	}
	return Row{ID: id, Data: compact(data)}, nil
}

// RowsFromJSON decodes a JSON array of row objects.
func RowsFromJSON(data json.RawMessage) ([]Row, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("batch payload is not a JSON array: %w", err)
	}
	rows := make([]Row, 0, len(items))
	for i, item := range items {
		row, err := RowFromJSON(item)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func kindMatches(kind FieldKind, v json.RawMessage) bool {
	if isNull(v) || kind == KindAny {
		return true
	}
	switch v[0] {
	case '"':
		return kind == KindString
	case 't', 'f':
		return kind == KindBool
	case '{', '[':
		return false
	default:
		return kind == KindNumber
	}
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

func compact(data json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}
