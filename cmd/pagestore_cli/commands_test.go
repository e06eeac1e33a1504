package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	storageservice "github.com/sushant-115/pagestore/api/storage_service"
)

type recordedCall struct {
	method string
	fields map[string]any
}

type fakeCaller struct {
	calls []recordedCall
	resp  map[string]any
}

func (f *fakeCaller) Call(_ context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	f.calls = append(f.calls, recordedCall{method: method, fields: fields})
	resp := map[string]any{"success": true, "message": "done"}
	for k, v := range f.resp {
		resp[k] = v
	}
	return structpb.NewStruct(resp)
}

func (f *fakeCaller) GetData(_ context.Context, database, set string) ([][]byte, storageservice.DataSummary, error) {
	f.calls = append(f.calls, recordedCall{method: "GetData", fields: map[string]any{"database": database, "set": set}})
	return [][]byte{[]byte("a"), []byte("bc")}, storageservice.DataSummary{Objects: 2, Bytes: 3, Pages: 1, PageSize: 4096}, nil
}

func setupShell(t *testing.T) (*fakeCaller, *bytes.Buffer) {
	t.Helper()
	return &fakeCaller{}, &bytes.Buffer{}
}

func TestExecute_MapsCommandsToMethods(t *testing.T) {
	tests := []struct {
		line   []string
		method string
		fields map[string]any
	}{
		{[]string{"adddb", "db"}, "AddDatabase", map[string]any{"database": "db"}},
		{[]string{"rmdb", "db"}, "RemoveDatabase", map[string]any{"database": "db"}},
		{[]string{"addset", "db", "s"}, "AddSet", map[string]any{"database": "db", "set": "s"}},
		{[]string{"addset", "db", "s", "blob"}, "AddSet", map[string]any{"database": "db", "set": "s", "type": "blob"}},
		{[]string{"clearset", "db", "s"}, "ClearSet", map[string]any{"database": "db", "set": "s"}},
		{[]string{"rmset", "db", "s"}, "RemoveUserSet", map[string]any{"database": "db", "set": "s"}},
		{[]string{"addtemp", "tmp"}, "AddTempSet", map[string]any{"set": "tmp"}},
		{[]string{"rmtemp", "4"}, "RemoveTempSet", map[string]any{"set_id": float64(4)}},
		{[]string{"scan", "db", "s"}, "GetSetPages", map[string]any{"database": "db", "set": "s"}},
		{[]string{"export", "db", "s", "/tmp/out.csv"}, "ExportSet", map[string]any{"database": "db", "set": "s", "path": "/tmp/out.csv"}},
		{[]string{"export", "db", "s", "/tmp/out", "json"}, "ExportSet", map[string]any{"database": "db", "set": "s", "path": "/tmp/out", "format": "json"}},
		{[]string{"copy", "a", "s", "b", "t"}, "CopySet", map[string]any{"database": "a", "set": "s", "target_database": "b", "target_set": "t"}},
		{[]string{"pin", "0", "0", "3", "new"}, "PinPage", map[string]any{"database_id": float64(0), "type_id": float64(0), "set_id": float64(3), "new": true}},
		{[]string{"unpin", "0", "0", "3", "9"}, "UnpinPage", map[string]any{"database_id": float64(0), "type_id": float64(0), "set_id": float64(3), "page_id": float64(9)}},
		{[]string{"CLEANUP"}, "Cleanup", nil},
		{[]string{"shutdown"}, "Shutdown", nil},
	}
	for _, tt := range tests {
		t.Run(tt.line[0], func(t *testing.T) {
			c, out := setupShell(t)
			require.NoError(t, execute(t.Context(), c, tt.line, out))
			require.Len(t, c.calls, 1)
			require.Equal(t, tt.method, c.calls[0].method)
			require.Equal(t, tt.fields, c.calls[0].fields)
			require.Contains(t, out.String(), "OK: done")
		})
	}
}

func TestExecute_PutEncodesObjects(t *testing.T) {
	c, out := setupShell(t)
	require.NoError(t, execute(t.Context(), c, []string{"put", "db", "s", "one", "two"}, out))
	require.Len(t, c.calls, 1)
	require.Equal(t, "AddData", c.calls[0].method)
	objects, ok := c.calls[0].fields["objects"].(*structpb.Value)
	require.True(t, ok)
	require.True(t, proto.Equal(storageservice.EncodeBlobs([][]byte{[]byte("one"), []byte("two")}), objects))

	require.NoError(t, execute(t.Context(), c, []string{"putobj", "db", "s", "three"}, out))
	object, ok := c.calls[1].fields["object"].(*structpb.Value)
	require.True(t, ok)
	require.True(t, proto.Equal(storageservice.EncodeBlob([]byte("three")), object))
}

func TestExecute_PrintsExtraFieldsSorted(t *testing.T) {
	c, out := setupShell(t)
	c.resp = map[string]any{"pages": 3, "checksum": "abc", "success": false, "message": "nope"}
	require.NoError(t, execute(t.Context(), c, []string{"export", "db", "s", "/x"}, out))
	require.Equal(t, "FAILED: nope\n  checksum: abc\n  pages: 3\n", out.String())
}

func TestExecute_GetData(t *testing.T) {
	c, out := setupShell(t)
	require.NoError(t, execute(t.Context(), c, []string{"get", "db", "s"}, out))
	require.Equal(t, "0\t\"a\"\n1\t\"bc\"\n2 objects, 3 bytes, 1 pages of 4096 bytes\n", out.String())
}

func TestExecute_Errors(t *testing.T) {
	c, out := setupShell(t)

	err := execute(t.Context(), c, []string{"adddb"}, out)
	require.ErrorIs(t, err, errUsage)
	require.ErrorContains(t, err, "adddb <database>")

	require.ErrorIs(t, execute(t.Context(), c, []string{"rmdb", "a", "b"}, out), errUsage)
	require.ErrorContains(t, execute(t.Context(), c, []string{"frobnicate"}, out), "unknown command")
	require.ErrorContains(t, execute(t.Context(), c, []string{"rmtemp", "-1"}, out), "set_id")
	require.ErrorContains(t, execute(t.Context(), c, []string{"unpin", "0", "0", "1", "new"}, out), "page id")
	require.Empty(t, c.calls)

	require.NoError(t, execute(t.Context(), c, nil, out))
	require.NoError(t, execute(t.Context(), c, []string{"help"}, out))
	require.Contains(t, out.String(), "copy <database> <set> <target_database> <target_set>")
}
