package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/storage/deltalog"
)

func TestMapType(t *testing.T) {
	tests := []struct {
		in   string
		want deltalog.DataType
	}{
		{"smallint", deltalog.ShortType},
		{"int2", deltalog.ShortType},
		{"integer", deltalog.IntegerType},
		{"INT4", deltalog.IntegerType},
		{"int", deltalog.IntegerType},
		{"bigint", deltalog.LongType},
		{"int8", deltalog.LongType},
		{"real", deltalog.FloatType},
		{"double precision", deltalog.DoubleType},
		{"float8", deltalog.DoubleType},
		{"Boolean", deltalog.BooleanType},
		{"text", deltalog.StringType},
		{"character varying(32)", deltalog.StringType},
		{"varchar(255)", deltalog.StringType},
		{"bpchar", deltalog.StringType},
		{"date", deltalog.DateType},
		{"timestamp", deltalog.TimestampNTZType},
		{"timestamp(3) without time zone", deltalog.TimestampNTZType},
		{"timestamp with time zone", deltalog.TimestampType},
		{"timestamptz(6)", deltalog.TimestampType},
		{"numeric", deltalog.DecimalType(38, 10)},
		{"numeric(12,2)", deltalog.DecimalType(38, 10)},
		{"decimal(5)", deltalog.DecimalType(38, 10)},
		{"bytea", deltalog.BinaryType},
		{"jsonb", deltalog.StringType},
		{"uuid", deltalog.StringType},
		{"", deltalog.StringType},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MapType(tt.in))
		})
	}
}

func TestMapType_Arrays(t *testing.T) {
	assert.Equal(t, deltalog.ArrayType(deltalog.IntegerType, true), MapType("integer[]"))
	assert.Equal(t, deltalog.ArrayType(deltalog.StringType, true), MapType("character varying(10)[]"))
	assert.Equal(t, deltalog.ArrayType(deltalog.StringType, true), MapType("mood[]"))
	assert.Equal(t,
		deltalog.ArrayType(deltalog.ArrayType(deltalog.LongType, true), true),
		MapType("bigint[][]"))
}

func TestMapColumns_PreservesOrder(t *testing.T) {
	fields := MapColumns([]model.ColumnSpec{
		{Name: "id", TypeName: "bigint"},
		{Name: "amount", TypeName: "numeric(12,2)"},
		{Name: "labels", TypeName: "text[]"},
	})

	assert.Equal(t, []deltalog.StructField{
		deltalog.NewField("id", deltalog.LongType),
		deltalog.NewField("amount", deltalog.DecimalType(38, 10)),
		deltalog.NewField("labels", deltalog.ArrayType(deltalog.StringType, true)),
	}, fields)

	for _, f := range fields {
		assert.True(t, f.Nullable)
	}
	assert.Empty(t, MapColumns(nil))
}

func TestQualifiedName(t *testing.T) {
	assert.Equal(t, `"orders"`, QualifiedName("orders"))
	assert.Equal(t, `"public"."orders"`, QualifiedName("public.orders"))
	assert.Equal(t, `"we""ird"`, QualifiedName(`we"ird`))
}
