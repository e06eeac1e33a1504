package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	storageservice "github.com/sushant-115/pagestore/api/storage_service"
)

var errUsage = errors.New("wrong number of arguments")

// caller is the part of storageservice.Client the shell needs.
type caller interface {
	Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error)
	GetData(ctx context.Context, database, set string) ([][]byte, storageservice.DataSummary, error)
}

type command struct {
	name    string
	usage   string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, c caller, args []string, out io.Writer) error
}

var commands = []command{
	{name: "adddb", usage: "adddb <database>", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "AddDatabase", map[string]any{"database": args[0]})
		}},
	{name: "rmdb", usage: "rmdb <database>", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "RemoveDatabase", map[string]any{"database": args[0]})
		}},
	{name: "addset", usage: "addset <database> <set> [type]", minArgs: 2, maxArgs: 3,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "AddSet", setFields(args))
		}},
	{name: "clearset", usage: "clearset <database> <set> [type]", minArgs: 2, maxArgs: 3,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "ClearSet", setFields(args))
		}},
	{name: "rmset", usage: "rmset <database> <set> [type]", minArgs: 2, maxArgs: 3,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "RemoveUserSet", setFields(args))
		}},
	{name: "addtemp", usage: "addtemp <name>", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "AddTempSet", map[string]any{"set": args[0]})
		}},
	{name: "rmtemp", usage: "rmtemp <set_id>", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			id, err := parseID("set_id", args[0])
			if err != nil {
				return err
			}
			return call(ctx, c, out, "RemoveTempSet", map[string]any{"set_id": id})
		}},
	{name: "put", usage: "put <database> <set> <object>...", minArgs: 3, maxArgs: -1,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			objects := make([][]byte, 0, len(args)-2)
			for _, o := range args[2:] {
				objects = append(objects, []byte(o))
			}
			return call(ctx, c, out, "AddData", map[string]any{
				"database": args[0],
				"set":      args[1],
				"objects":  storageservice.EncodeBlobs(objects),
			})
		}},
	{name: "putobj", usage: "putobj <database> <set> <object>", minArgs: 3, maxArgs: 3,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "AddObject", map[string]any{
				"database": args[0],
				"set":      args[1],
				"object":   storageservice.EncodeBlob([]byte(args[2])),
			})
		}},
	{name: "get", usage: "get <database> <set>", minArgs: 2, maxArgs: 2, run: getData},
	{name: "pin", usage: "pin <database_id> <type_id> <set_id> <page_id|new>", minArgs: 4, maxArgs: 4,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			fields, err := pageFields(args)
			if err != nil {
				return err
			}
			return call(ctx, c, out, "PinPage", fields)
		}},
	{name: "unpin", usage: "unpin <database_id> <type_id> <set_id> <page_id>", minArgs: 4, maxArgs: 4,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			fields, err := pageFields(args)
			if err != nil {
				return err
			}
			if _, ok := fields["page_id"]; !ok {
				return fmt.Errorf("unpin needs a page id")
			}
			return call(ctx, c, out, "UnpinPage", fields)
		}},
	{name: "scan", usage: "scan <database> <set> [type]", minArgs: 2, maxArgs: 3,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "GetSetPages", setFields(args))
		}},
	{name: "export", usage: "export <database> <set> <path|s3://bucket/key> [csv|text|json]", minArgs: 3, maxArgs: 4,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			fields := map[string]any{"database": args[0], "set": args[1], "path": args[2]}
			if len(args) == 4 {
				fields["format"] = args[3]
			}
			return call(ctx, c, out, "ExportSet", fields)
		}},
	{name: "copy", usage: "copy <database> <set> <target_database> <target_set>", minArgs: 4, maxArgs: 4,
		run: func(ctx context.Context, c caller, args []string, out io.Writer) error {
			return call(ctx, c, out, "CopySet", map[string]any{
				"database":        args[0],
				"set":             args[1],
				"target_database": args[2],
				"target_set":      args[3],
			})
		}},
	{name: "cleanup", usage: "cleanup", run: func(ctx context.Context, c caller, _ []string, out io.Writer) error {
		return call(ctx, c, out, "Cleanup", nil)
	}},
	{name: "shutdown", usage: "shutdown", run: func(ctx context.Context, c caller, _ []string, out io.Writer) error {
		return call(ctx, c, out, "Shutdown", nil)
	}},
}

func lookup(name string) (command, bool) {
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if i < 0 {
		return command{}, false
	}
	return commands[i], true
}

// execute runs one shell line split into fields.
func execute(ctx context.Context, c caller, fields []string, out io.Writer) error {
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if name == "help" {
		printHelp(out)
		return nil
	}
	cmd, ok := lookup(name)
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", fields[0])
	}
	args := fields[1:]
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		return fmt.Errorf("%w, usage: %s", errUsage, cmd.usage)
	}
	return cmd.run(ctx, c, args, out)
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %s\n", c.usage)
	}
	fmt.Fprintln(out, "  help")
	fmt.Fprintln(out, "  exit / quit")
}

func setFields(args []string) map[string]any {
	fields := map[string]any{"database": args[0], "set": args[1]}
	if len(args) > 2 {
		fields["type"] = args[2]
	}
	return fields
}

func pageFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, 5)
	for i, name := range []string{"database_id", "type_id", "set_id"} {
		id, err := parseID(name, args[i])
		if err != nil {
			return nil, err
		}
		fields[name] = id
	}
	if args[3] == "new" {
		fields["new"] = true
		return fields, nil
	}
	id, err := parseID("page_id", args[3])
	if err != nil {
		return nil, err
	}
	fields["page_id"] = id
	return fields, nil
}

func parseID(name, s string) (float64, error) {
	n, err := strconv.ParseUint(s, 10, 53)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a non-negative integer", name, s)
	}
	return float64(n), nil
}

// call invokes method and prints its Result followed by any extra fields.
func call(ctx context.Context, c caller, out io.Writer, method string, fields map[string]any) error {
	resp, err := c.Call(ctx, method, fields)
	if err != nil {
		return err
	}
	res := storageservice.ResultOf(resp)
	if res.Success {
		fmt.Fprintf(out, "OK: %s\n", res.Message)
	} else {
		fmt.Fprintf(out, "FAILED: %s\n", res.Message)
	}
	var keys []string
	for k := range resp.GetFields() {
		if k != "success" && k != "message" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, formatValue(resp.GetFields()[k]))
	}
	return nil
}

func formatValue(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return v.String()
	}
}

func getData(ctx context.Context, c caller, args []string, out io.Writer) error {
	objects, summary, err := c.GetData(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	for i, o := range objects {
		fmt.Fprintf(out, "%d\t%q\n", i, o)
	}
	fmt.Fprintf(out, "%d objects, %d bytes, %d pages of %d bytes\n", summary.Objects, summary.Bytes, summary.Pages, summary.PageSize)
	return nil
}
