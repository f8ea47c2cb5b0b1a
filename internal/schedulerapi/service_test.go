package schedulerapi

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// fakeService hands out one canned template and records submissions.
type fakeService struct {
	submitted []*ShareSubmission
}

func (f *fakeService) GetWork(ctx context.Context, req *GetWorkRequest) (*WorkTemplate, error) {
	return &WorkTemplate{
		Version:     0x20000000,
		VersionMask: 0x1FFFE000,
		NTime:       0x67678B5C,
		NBits:       0x170E3AB4,
		MerkleRoot:  "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		NewBlock:    true,
	}, nil
}

func (f *fakeService) SubmitShare(ctx context.Context, share *ShareSubmission) (*ShareAck, error) {
	f.submitted = append(f.submitted, share)
	return &ShareAck{Accepted: true}, nil
}

func dialFake(t *testing.T) (*Client, *fakeService) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	svc := &fakeService{}
	Register(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewClient(conn), svc
}

func TestGetWork_RoundTripsThroughJSONCodec(t *testing.T) {
	client, _ := dialFake(t)

	tmpl, err := client.GetWork(context.Background(), &GetWorkRequest{HostID: "host-1"})
	require.NoError(t, err)
	require.Equal(t, uint32(0x20000000), tmpl.Version)
	require.Equal(t, uint32(0x67678B5C), tmpl.NTime)
	require.True(t, tmpl.NewBlock)
	require.Len(t, tmpl.MerkleRoot, 64)
}

func TestSubmitShare_ReachesService(t *testing.T) {
	client, svc := dialFake(t)

	ack, err := client.SubmitShare(context.Background(), &ShareSubmission{
		BoardSerial: "AXE-01",
		JobID:       9,
		Nonce:       0x00A60018,
		Version:     0x3F244000,
	})
	require.NoError(t, err)
	require.True(t, ack.Accepted)
	require.Len(t, svc.submitted, 1)
	require.Equal(t, "AXE-01", svc.submitted[0].BoardSerial)
	require.Equal(t, uint32(0x00A60018), svc.submitted[0].Nonce)
}
