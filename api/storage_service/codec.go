package storageservice

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	storageserver "github.com/sushant-115/pagestore/core/storage_engine/storage_server"
)

// args reads typed fields out of a request struct.
type args struct {
	fields map[string]*structpb.Value
	err    error
}

func newArgs(req *structpb.Struct) *args {
	if req == nil {
		return &args{fields: map[string]*structpb.Value{}}
	}
	return &args{fields: req.GetFields()}
}

func (a *args) fail(format string, v ...any) {
	if a.err == nil {
		a.err = fmt.Errorf(format, v...)
	}
}

func (a *args) str(name string) string {
	v, ok := a.fields[name]
	if !ok {
		a.fail("missing field %q", name)
		return ""
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		a.fail("field %q is not a string", name)
		return ""
	}
	return s.StringValue
}

func (a *args) optStr(name string) string {
	if _, ok := a.fields[name]; !ok {
		return ""
	}
	return a.str(name)
}

func (a *args) uint(name string) uint64 {
	v, ok := a.fields[name]
	if !ok {
		a.fail("missing field %q", name)
		return 0
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue < 0 || n.NumberValue != float64(uint64(n.NumberValue)) {
		a.fail("field %q is not a non-negative integer", name)
		return 0
	}
	return uint64(n.NumberValue)
}

func (a *args) optUint(name string) uint64 {
	if _, ok := a.fields[name]; !ok {
		return 0
	}
	return a.uint(name)
}

func (a *args) boolean(name string) bool {
	v, ok := a.fields[name]
	if !ok {
		return false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		a.fail("field %q is not a bool", name)
		return false
	}
	return b.BoolValue
}

// blobs decodes a list of base64 strings.
func (a *args) blobs(name string) [][]byte {
	v, ok := a.fields[name]
	if !ok {
		a.fail("missing field %q", name)
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		a.fail("field %q is not a list", name)
		return nil
	}
	out := make([][]byte, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		b, err := base64.StdEncoding.DecodeString(item.GetStringValue())
		if err != nil {
			a.fail("field %q item %d: %v", name, i, err)
			return nil
		}
		out = append(out, b)
	}
	return out
}

func (a *args) blob(name string) []byte {
	s := a.str(name)
	if a.err != nil {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		a.fail("field %q: %v", name, err)
	}
	return b
}

// EncodeBlobs renders objects as a list value for AddData.
func EncodeBlobs(objects [][]byte) *structpb.Value {
	values := make([]*structpb.Value, len(objects))
	for i, o := range objects {
		values[i] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(o))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

// EncodeBlob renders one object for AddObject.
func EncodeBlob(obj []byte) *structpb.Value {
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(obj))
}

// resultStruct renders a Result plus extra fields.
func resultStruct(res storageserver.Result, extra map[string]*structpb.Value) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"success": structpb.NewBoolValue(res.Success),
		"message": structpb.NewStringValue(res.Message),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &structpb.Struct{Fields: fields}
}

func num[T ~uint32 | ~uint64 | ~int](v T) *structpb.Value { return structpb.NewNumberValue(float64(v)) }

// ResultOf reads the Result fields of a response.
func ResultOf(resp *structpb.Struct) storageserver.Result {
	f := resp.GetFields()
	return storageserver.Result{
		Success: f["success"].GetBoolValue(),
		Message: f["message"].GetStringValue(),
	}
}
