// Package schema maps source relational column types onto lake table types.
package schema

import (
	"strings"

	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/storage/deltalog"
)

// DefaultDecimal is used for every numeric column; source precision and scale are ignored
var DefaultDecimal = deltalog.DecimalType(38, 10)

var primitives = map[string]deltalog.DataType{
	"smallint": deltalog.ShortType,
	"int2":     deltalog.ShortType,

	"integer": deltalog.IntegerType,
	"int":     deltalog.IntegerType,
	"int4":    deltalog.IntegerType,

	"bigint": deltalog.LongType,
	"int8":   deltalog.LongType,

	"real":   deltalog.FloatType,
	"float4": deltalog.FloatType,

	"double precision": deltalog.DoubleType,
	"float8":           deltalog.DoubleType,

	"boolean": deltalog.BooleanType,
	"bool":    deltalog.BooleanType,

	"text":              deltalog.StringType,
	"varchar":           deltalog.StringType,
	"character varying": deltalog.StringType,
	"char":              deltalog.StringType,
	"character":         deltalog.StringType,
	"bpchar":            deltalog.StringType,
	"name":              deltalog.StringType,

	"date": deltalog.DateType,

	"timestamp":                   deltalog.TimestampNTZType,
	"timestamp without time zone": deltalog.TimestampNTZType,
	"timestamptz":                 deltalog.TimestampType,
	"timestamp with time zone":    deltalog.TimestampType,

	"numeric": DefaultDecimal,
	"decimal": DefaultDecimal,

	"bytea": deltalog.BinaryType,
}

// MapType returns the lake type for a relational type name such as
// "integer", "numeric(12,2)" or "text[]". Unknown names map to string.
func MapType(typeName string) deltalog.DataType {
	name := strings.ToLower(strings.TrimSpace(typeName))

	if elem, ok := strings.CutSuffix(name, "[]"); ok {
		return deltalog.ArrayType(MapType(elem), true)
	}

	if typ, ok := primitives[normalize(name)]; ok {
		return typ
	}
	return deltalog.StringType
}

// MapColumns maps columns in order; every field is nullable
func MapColumns(columns []model.ColumnSpec) []deltalog.StructField {
	fields := make([]deltalog.StructField, 0, len(columns))
	for _, col := range columns {
		fields = append(fields, deltalog.NewField(col.Name, MapType(col.TypeName)))
	}
	return fields
}

// normalize strips a type modifier and collapses whitespace, so that
// "character varying(32)" and "timestamp(3) with time zone" resolve.
func normalize(name string) string {
	for {
		open := strings.IndexByte(name, '(')
		if open < 0 {
			break
		}
		end := strings.IndexByte(name[open:], ')')
		if end < 0 {
			name = name[:open]
			break
		}
		name = name[:open] + " " + name[open+end+1:]
	}
	return strings.Join(strings.Fields(name), " ")
}
