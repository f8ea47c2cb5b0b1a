package schedulerapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// WorkTemplate is one unit of pool work as it crosses the process
// boundary. Hash-level byte arrays are hex strings so the JSON encoding
// stays unambiguous.
type WorkTemplate struct {
	Version       uint32 `json:"version"`
	VersionMask   uint32 `json:"version_mask"`
	PrevBlockHash string `json:"prev_block_hash"`
	MerkleRoot    string `json:"merkle_root"`
	NTime         uint32 `json:"ntime"`
	NBits         uint32 `json:"nbits"`
	Target        string `json:"target"`
	NewBlock      bool   `json:"new_block"`
}

// ShareSubmission is an accepted share reported upstream.
type ShareSubmission struct {
	BoardSerial string `json:"board_serial"`
	JobID       byte   `json:"job_id"`
	Nonce       uint32 `json:"nonce"`
	Version     uint32 `json:"version"`
	NTime       uint32 `json:"ntime"`
}

// ShareAck is the scheduler's response to a submission.
type ShareAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// GetWorkRequest identifies the requesting supervisor instance.
type GetWorkRequest struct {
	HostID string `json:"host_id"`
}

// Service is what a scheduler process implements.
type Service interface {
	GetWork(ctx context.Context, req *GetWorkRequest) (*WorkTemplate, error)
	SubmitShare(ctx context.Context, share *ShareSubmission) (*ShareAck, error)
}

const serviceName = "mujina.v1.Scheduler"

// ServiceDesc is the gRPC service descriptor; an external scheduler
// registers its implementation against it.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetWork", Handler: getWorkHandler},
		{MethodName: "SubmitShare", Handler: submitShareHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// Register attaches impl to a gRPC server.
func Register(s *grpc.Server, impl Service) {
	s.RegisterService(&ServiceDesc, impl)
}

func getWorkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetWorkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).GetWork(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetWork"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).GetWork(ctx, req.(*GetWorkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitShareHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShareSubmission)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).SubmitShare(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitShare"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).SubmitShare(ctx, req.(*ShareSubmission))
	}
	return interceptor(ctx, in, info, handler)
}

// Client dials a scheduler process and speaks the JSON-coded service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a scheduler at addr, blocking until the transport is
// up or the timeout expires.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial scheduler %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection (tests, custom dialers).
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

// GetWork fetches the next work template.
func (c *Client) GetWork(ctx context.Context, req *GetWorkRequest) (*WorkTemplate, error) {
	out := new(WorkTemplate)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/GetWork", req, out); err != nil {
		return nil, fmt.Errorf("GetWork: %w", err)
	}
	return out, nil
}

// SubmitShare reports an accepted share upstream.
func (c *Client) SubmitShare(ctx context.Context, share *ShareSubmission) (*ShareAck, error) {
	out := new(ShareAck)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/SubmitShare", share, out); err != nil {
		return nil, fmt.Errorf("SubmitShare: %w", err)
	}
	return out, nil
}
