package txn

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Params binds query parameters by name, without the leading @.
//
// Supported values are nil, string, []byte, bool, signed and small unsigned
// integers, float32, float64, time.Time, pointers to these, slices of the
// scalar types and spanner.GenericColumnValue for anything else.
type Params map[string]any

func encodeParams(params Params) (*structpb.Struct, map[string]*sppb.Type, error) {
	if len(params) == 0 {
		return nil, nil, nil
	}
	fields := make(map[string]*structpb.Value, len(params))
	types := make(map[string]*sppb.Type, len(params))
	for name, v := range params {
		value, typ, err := encodeValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid parameter @%v: %w", name, err)
		}
		fields[name] = value
		if typ != nil {
			types[name] = typ
		}
	}
	return &structpb.Struct{Fields: fields}, types, nil
}

func scalar(code sppb.TypeCode) *sppb.Type {
	return &sppb.Type{Code: code}
}

func arrayOf(code sppb.TypeCode) *sppb.Type {
	return &sppb.Type{Code: sppb.TypeCode_ARRAY, ArrayElementType: scalar(code)}
}

func encodeValue(v any) (*structpb.Value, *sppb.Type, error) {
	switch v := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil, nil
	case spanner.GenericColumnValue:
		return v.Value, v.Type, nil
	case *spanner.GenericColumnValue:
		if v == nil {
			return structpb.NewNullValue(), nil, nil
		}
		return v.Value, v.Type, nil
	case string:
		return structpb.NewStringValue(v), scalar(sppb.TypeCode_STRING), nil
	case []byte:
		if v == nil {
			return structpb.NewNullValue(), scalar(sppb.TypeCode_BYTES), nil
		}
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v)), scalar(sppb.TypeCode_BYTES), nil
	case bool:
		return structpb.NewBoolValue(v), scalar(sppb.TypeCode_BOOL), nil
	case int:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case int8:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case int16:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case int32:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case int64:
		return encodeInt(v), scalar(sppb.TypeCode_INT64), nil
	case uint8:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case uint16:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case uint32:
		return encodeInt(int64(v)), scalar(sppb.TypeCode_INT64), nil
	case float32:
		return encodeFloat(float64(v)), scalar(sppb.TypeCode_FLOAT32), nil
	case float64:
		return encodeFloat(v), scalar(sppb.TypeCode_FLOAT64), nil
	case time.Time:
		return structpb.NewStringValue(v.UTC().Format(time.RFC3339Nano)), scalar(sppb.TypeCode_TIMESTAMP), nil
	case *string:
		return encodePtr(v, sppb.TypeCode_STRING)
	case *bool:
		return encodePtr(v, sppb.TypeCode_BOOL)
	case *int64:
		return encodePtr(v, sppb.TypeCode_INT64)
	case *float64:
		return encodePtr(v, sppb.TypeCode_FLOAT64)
	case *time.Time:
		return encodePtr(v, sppb.TypeCode_TIMESTAMP)
	case []string:
		return encodeSlice(v, sppb.TypeCode_STRING)
	case []int64:
		return encodeSlice(v, sppb.TypeCode_INT64)
	case []int:
		return encodeSlice(v, sppb.TypeCode_INT64)
	case []bool:
		return encodeSlice(v, sppb.TypeCode_BOOL)
	case []float64:
		return encodeSlice(v, sppb.TypeCode_FLOAT64)
	case []time.Time:
		return encodeSlice(v, sppb.TypeCode_TIMESTAMP)
	default:
		return nil, nil, fmt.Errorf("unsupported type %T", v)
	}
}

func encodeInt(n int64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(n, 10))
}

func encodeFloat(f float64) *structpb.Value {
	switch {
	case math.IsNaN(f):
		return structpb.NewStringValue("NaN")
	case math.IsInf(f, 1):
		return structpb.NewStringValue("Infinity")
	case math.IsInf(f, -1):
		return structpb.NewStringValue("-Infinity")
	default:
		return structpb.NewNumberValue(f)
	}
}

func encodePtr[T any](p *T, code sppb.TypeCode) (*structpb.Value, *sppb.Type, error) {
	if p == nil {
		return structpb.NewNullValue(), scalar(code), nil
	}
	return encodeValue(*p)
}

func encodeSlice[T any](s []T, code sppb.TypeCode) (*structpb.Value, *sppb.Type, error) {
	if s == nil {
		return structpb.NewNullValue(), arrayOf(code), nil
	}
	values := make([]*structpb.Value, 0, len(s))
	for _, elem := range s {
		v, _, err := encodeValue(elem)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values}), arrayOf(code), nil
}
