package export

import (
	"bufio"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
)

// Format selects how objects are rendered in an export file.
type Format int

const (
	FormatCSV Format = iota
	FormatText
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a format name to a Format. The empty name means csv.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "text", "txt":
		return FormatText, nil
	case "json", "jsonl":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("%w: %q", flushmanager.ErrUnknownFormat, s)
	}
}

// encoder renders one object per call. flush pushes buffered output to the
// underlying writer.
type encoder interface {
	encode(index int, obj []byte) error
	flush() error
}

func newEncoder(f Format, w io.Writer) encoder {
	switch f {
	case FormatText:
		return &textEncoder{w: bufio.NewWriter(w)}
	case FormatJSON:
		bw := bufio.NewWriter(w)
		return &jsonEncoder{bw: bw, enc: json.NewEncoder(bw)}
	default:
		return &csvEncoder{w: csv.NewWriter(w)}
	}
}

// csvEncoder writes a header row once, then index,size,payload rows.
type csvEncoder struct {
	w      *csv.Writer
	header bool
}

func (e *csvEncoder) encode(index int, obj []byte) error {
	if !e.header {
		if err := e.w.Write([]string{"index", "size", "payload"}); err != nil {
			return err
		}
		e.header = true
	}
	return e.w.Write([]string{strconv.Itoa(index), strconv.Itoa(len(obj)), string(obj)})
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

type textEncoder struct {
	w *bufio.Writer
}

func (e *textEncoder) encode(_ int, obj []byte) error {
	if _, err := e.w.Write(obj); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func (e *textEncoder) flush() error { return e.w.Flush() }

// jsonRecord is one line of a json export.
type jsonRecord struct {
	Index int    `json:"index"`
	Size  int    `json:"size"`
	Data  string `json:"data"`
}

type jsonEncoder struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func (e *jsonEncoder) encode(index int, obj []byte) error {
	return e.enc.Encode(jsonRecord{Index: index, Size: len(obj), Data: base64.StdEncoding.EncodeToString(obj)})
}

func (e *jsonEncoder) flush() error { return e.bw.Flush() }

// DecodeObjects reads back the objects of an uncompressed export stream.
// Text exports cannot carry newlines inside an object.
func DecodeObjects(f Format, r io.Reader) ([][]byte, error) {
	var out [][]byte
	switch f {
	case FormatText:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
		for sc.Scan() {
			out = append(out, append([]byte(nil), sc.Bytes()...))
		}
		return out, sc.Err()
	case FormatJSON:
		dec := json.NewDecoder(r)
		for {
			var rec jsonRecord
			if err := dec.Decode(&rec); err != nil {
				if err == io.EOF {
					return out, nil
				}
				return nil, err
			}
			obj, err := base64.StdEncoding.DecodeString(rec.Data)
			if err != nil {
				return nil, err
			}
			out = append(out, obj)
		}
	default:
		rows, err := csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			if i == 0 || len(row) != 3 {
				continue
			}
			out = append(out, []byte(row[2]))
		}
		return out, nil
	}
}
