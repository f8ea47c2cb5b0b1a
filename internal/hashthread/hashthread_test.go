package hashthread

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mujina-miner/internal/bm13xx"
	"mujina-miner/internal/crc"
)

// fakePort is a scriptable data port: written frames are captured,
// reads are fed by the test through a channel.
type fakePort struct {
	writes chan []byte
	reads  chan []byte
	closed chan struct{}
}

func newFakePort() *fakePort {
	return &fakePort{
		writes: make(chan []byte, 32),
		reads:  make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.writes <- append([]byte{}, b...)
	return len(b), nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.reads:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakePort) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// nonceFrame builds a valid 11-byte nonce response for the given job id.
func nonceFrame(t *testing.T, nonce uint32, jobID, subcore byte, version uint16) []byte {
	t.Helper()
	frame := []byte{
		0xAA, 0x55,
		byte(nonce), byte(nonce >> 8), byte(nonce >> 16), byte(nonce >> 24),
		0x00,
		jobID<<4 | subcore&0x0F,
		byte(version), byte(version >> 8),
		0x00,
	}
	frame[10] = 0x80 | crc.CRC5(frame[2:10]) // nonce response type bits + checksum
	return frame
}

func easyWork() Work {
	var target [32]byte
	for i := range target {
		target[i] = 0xFF
	}
	return Work{Version: 0x20000000, NTime: 0x66778899, NBits: 0x170E3AB4, Target: target}
}

func startThread(t *testing.T) (*Thread, *fakePort, chan Share) {
	t.Helper()
	port := newFakePort()
	shares := make(chan Share, 16)
	th := New("AXE-TEST", 0, port, shares)
	go th.Run()
	t.Cleanup(th.Shutdown)
	return th, port, shares
}

func TestJobIDsRotateThroughSixteenSlots(t *testing.T) {
	th, port, _ := startThread(t)

	for i := 0; i < 17; i++ {
		require.NoError(t, th.Submit(easyWork()))
	}

	var ids []byte
	for i := 0; i < 17; i++ {
		select {
		case frame := <-port.writes:
			ids = append(ids, bm13xx.JobIDFromHeader(frame[4]))
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d never written", i)
		}
	}

	for i := 0; i < 16; i++ {
		require.Equal(t, byte(i), ids[i])
	}
	require.Equal(t, byte(0), ids[16], "17th job reuses the oldest slot")
}

func TestValidNonceBecomesShare(t *testing.T) {
	th, port, shares := startThread(t)

	w := easyWork()
	require.NoError(t, th.Submit(w))
	<-port.writes

	port.reads <- nonceFrame(t, 0x00A60018, 0, 3, 0xF922)

	select {
	case s := <-shares:
		require.Equal(t, "AXE-TEST", s.Serial)
		require.Equal(t, byte(0), s.JobID)
		require.Equal(t, uint32(0x00A60018), s.Nonce)
		require.Equal(t, w.Version|uint32(0xF922)<<13, s.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no share forwarded")
	}
}

func TestStaleNonceSilentlyDiscarded(t *testing.T) {
	th, port, shares := startThread(t)

	require.NoError(t, th.Submit(easyWork()))
	<-port.writes

	th.RetireAll()
	port.reads <- nonceFrame(t, 0x01234567, 0, 0, 0)

	require.Eventually(t, func() bool {
		return th.Snapshot().StaleNonces == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, shares)
	require.Zero(t, th.Snapshot().HardwareErrors, "stale is not a hardware error")
}

func TestTemperatureFrameIsNotAShare(t *testing.T) {
	th, port, shares := startThread(t)

	require.NoError(t, th.Submit(easyWork()))
	<-port.writes

	// result_header 0xB4 marks a diagnostic reply.
	frame := []byte{0xAA, 0x55, 0x10, 0x00, 0x00, 0x00, 0x00, 0xB4, 0x00, 0x00, 0x00}
	frame[10] = 0x80 | crc.CRC5(frame[2:10])
	port.reads <- frame

	require.Eventually(t, func() bool {
		return th.Snapshot().SpecialFrames == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, shares)
}

func TestHardwareErrorCountedWhenTargetMissed(t *testing.T) {
	th, port, _ := startThread(t)

	w := easyWork()
	w.Target = [32]byte{} // impossible target
	require.NoError(t, th.Submit(w))
	<-port.writes

	port.reads <- nonceFrame(t, 0x00A60018, 0, 0, 0)

	require.Eventually(t, func() bool {
		return th.Snapshot().HardwareErrors == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResyncAfterGarbageBytes(t *testing.T) {
	th, port, shares := startThread(t)

	require.NoError(t, th.Submit(easyWork()))
	<-port.writes

	garbage := []byte{0x00, 0x13, 0x37}
	port.reads <- append(garbage, nonceFrame(t, 0x00A60018, 0, 0, 0)...)

	select {
	case <-shares:
	case <-time.After(2 * time.Second):
		t.Fatal("decoder never resynced onto the frame")
	}
}

func TestShutdownReleasesPort(t *testing.T) {
	port := newFakePort()
	shares := make(chan Share, 1)
	th := New("AXE-TEST", 0, port, shares)
	go th.Run()

	th.Shutdown()

	select {
	case <-port.closed:
	case <-time.After(time.Second):
		t.Fatal("port not closed on shutdown")
	}

	require.Error(t, th.Submit(easyWork()), "submit after shutdown must fail")
}
