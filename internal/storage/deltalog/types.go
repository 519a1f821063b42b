// Package deltalog reads and appends the Delta-style transaction log of a lake table.
package deltalog

import (
	"encoding/json"
	"fmt"
)

// DataType is a column type in the table schema: a primitive name such as
// "long" or "decimal(38,10)", or an array of another type.
type DataType struct {
	name         string
	element      *DataType
	containsNull bool
}

var (
	StringType       = PrimitiveType("string")
	ShortType        = PrimitiveType("short")
	IntegerType      = PrimitiveType("integer")
	LongType         = PrimitiveType("long")
	FloatType        = PrimitiveType("float")
	DoubleType       = PrimitiveType("double")
	BooleanType      = PrimitiveType("boolean")
	BinaryType       = PrimitiveType("binary")
	DateType         = PrimitiveType("date")
	TimestampType    = PrimitiveType("timestamp")
	TimestampNTZType = PrimitiveType("timestamp_ntz")
)

// PrimitiveType returns a non-nested type with the given name
func PrimitiveType(name string) DataType {
	return DataType{name: name}
}

// DecimalType returns decimal(precision,scale)
func DecimalType(precision, scale int) DataType {
	return DataType{name: fmt.Sprintf("decimal(%d,%d)", precision, scale)}
}

// ArrayType returns an array of elem
func ArrayType(elem DataType, containsNull bool) DataType {
	return DataType{name: "array", element: &elem, containsNull: containsNull}
}

func (d DataType) IsArray() bool { return d.element != nil }

// Element returns the element type of an array
func (d DataType) Element() (DataType, bool) {
	if d.element == nil {
		return DataType{}, false
	}
	return *d.element, true
}

func (d DataType) ContainsNull() bool { return d.containsNull }

func (d DataType) String() string {
	if d.element != nil {
		return fmt.Sprintf("array<%s>", d.element.String())
	}
	return d.name
}

type arrayJSON struct {
	Type         string   `json:"type"`
	ElementType  DataType `json:"elementType"`
	ContainsNull bool     `json:"containsNull"`
}

func (d DataType) MarshalJSON() ([]byte, error) {
	if d.element != nil {
		return json.Marshal(arrayJSON{Type: "array", ElementType: *d.element, ContainsNull: d.containsNull})
	}
	if d.name == "" {
		return nil, fmt.Errorf("deltalog: empty data type")
	}
	return json.Marshal(d.name)
}

func (d *DataType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*d = PrimitiveType(name)
		return nil
	}

	var arr arrayJSON
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("deltalog: decode data type: %w", err)
	}
	if arr.Type != "array" {
		return fmt.Errorf("deltalog: unsupported nested type %q", arr.Type)
	}
	*d = ArrayType(arr.ElementType, arr.ContainsNull)
	return nil
}

// StructField is one column of the table schema
type StructField struct {
	Name     string         `json:"name"`
	Type     DataType       `json:"type"`
	Nullable bool           `json:"nullable"`
	Metadata map[string]any `json:"metadata"`
}

// NewField returns a nullable column with empty metadata
func NewField(name string, typ DataType) StructField {
	return StructField{Name: name, Type: typ, Nullable: true, Metadata: map[string]any{}}
}

// Schema is the top-level struct type stored in metaData.schemaString
type Schema struct {
	Type   string        `json:"type"`
	Fields []StructField `json:"fields"`
}

// NewSchema wraps fields in a struct type
func NewSchema(fields []StructField) Schema {
	if fields == nil {
		fields = []StructField{}
	}
	return Schema{Type: "struct", Fields: fields}
}

// ParseSchema decodes a schemaString
func ParseSchema(s string) (Schema, error) {
	var schema Schema
	if err := json.Unmarshal([]byte(s), &schema); err != nil {
		return Schema{}, fmt.Errorf("deltalog: decode schema: %w", err)
	}
	return schema, nil
}

func (s Schema) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}
