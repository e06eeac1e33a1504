package storageservice

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// Client calls a remote storage service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to address. A nil tlsConfig uses plaintext.
func Dial(address string, tlsConfig *tls.Config, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Call invokes a unary method. fields values are converted with
// structpb.NewValue; use EncodeBlobs or EncodeBlob for object payloads.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for k, v := range fields {
		if pv, ok := v.(*structpb.Value); ok {
			req.Fields[k] = pv
			continue
		}
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		req.Fields[k] = pv
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DataSummary describes a GetData stream. Pages and PageSize come from
// the stream header; Objects and Bytes are counted while decoding.
type DataSummary struct {
	Pages    int
	PageSize int
	Objects  int
	Bytes    int
}

var getDataStream = &grpc.StreamDesc{StreamName: "GetData", ServerStreams: true}

// GetPages streams the raw pages of a set to fn in page order.
func (c *Client) GetPages(ctx context.Context, database, set string, fn func(raw []byte) error) (DataSummary, error) {
	stream, err := c.conn.NewStream(ctx, getDataStream, "/"+ServiceName+"/GetData")
	if err != nil {
		return DataSummary{}, err
	}
	req, err := structpb.NewStruct(map[string]any{"database": database, "set": set})
	if err != nil {
		return DataSummary{}, err
	}
	if err := stream.SendMsg(req); err != nil {
		return DataSummary{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return DataSummary{}, err
	}
	// A failed read has no header; its status surfaces from RecvMsg.
	header, _ := stream.Header()
	summary := DataSummary{
		Pages:    headerInt(header, HeaderPageCount),
		PageSize: headerInt(header, HeaderPageSize),
	}

	received := 0
	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if !errors.Is(err, io.EOF) {
				return summary, err
			}
			if received != summary.Pages {
				return summary, fmt.Errorf("stream of %s/%s ended after %d of %d pages", database, set, received, summary.Pages)
			}
			return summary, nil
		}
		received++
		if err := fn(msg.GetValue()); err != nil {
			return summary, err
		}
	}
}

// GetData reads every object of a set, decoding the streamed pages.
func (c *Client) GetData(ctx context.Context, database, set string) ([][]byte, DataSummary, error) {
	var (
		objects [][]byte
		size    int
	)
	summary, err := c.GetPages(ctx, database, set, func(raw []byte) error {
		objs, err := pagemanager.DecodeObjects(raw)
		if err != nil {
			return err
		}
		for _, o := range objs {
			objects = append(objects, o)
			size += len(o)
		}
		return nil
	})
	summary.Objects, summary.Bytes = len(objects), size
	if err != nil {
		return nil, summary, err
	}
	return objects, summary, nil
}

func headerInt(md metadata.MD, key string) int {
	vals := md.Get(key)
	if len(vals) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(vals[0])
	return n
}
