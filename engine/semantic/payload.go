package semantic

import (
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
)

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// toValue converts a Go payload value. A nil *float64 reports false so the
// field is left out rather than stored as null.
func toValue(val any) (*pb.Value, bool) {
	switch tv := val.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}, true
	case string:
		return stringValue(tv), true
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}, true
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}, true
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}, true
	case *float64:
		if tv == nil {
			return nil, false
		}
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: *tv}}, true
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}, true
	case []string:
		vals := make([]*pb.Value, len(tv))
		for i, s := range tv {
			vals[i] = stringValue(s)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}, true
	default:
		return stringValue(fmt.Sprint(tv)), true
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			out[i] = fromValue(item)
		}
		return out
	case *pb.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for key, item := range k.StructValue.GetFields() {
			out[key] = fromValue(item)
		}
		return out
	default:
		return nil
	}
}
