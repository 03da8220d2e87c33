package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/fusion/pipeline"
)

var (
	identity = [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	// 90° yaw, translated by (1, 2, 0)
	yawed = [16]float64{
		0, -1, 0, 1,
		1, 0, 0, 2,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
)

func testTable(t *testing.T) *calibration.Table {
	t.Helper()
	table, err := calibration.NewTable([]calibration.Extrinsics{
		{DeviceID: "cam-a", FriendlyID: 1, CameraToWorld: identity},
		{DeviceID: "cam-b", FriendlyID: 2, CameraToWorld: yawed},
	})
	require.NoError(t, err)
	return table
}

// recordingSubmitter records every submitted batch.
type recordingSubmitter struct {
	mu      sync.Mutex
	batches []fusion.CameraBatch
	err     error
}

func (s *recordingSubmitter) Submit(b fusion.CameraBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return s.err
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// recordingDispatcher records every dispatched batch.
type recordingDispatcher struct {
	mu      sync.Mutex
	batches []fusion.CameraBatch
}

func (d *recordingDispatcher) Dispatch(b fusion.CameraBatch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, b)
	return true
}

func (d *recordingDispatcher) snapshot() []fusion.CameraBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fusion.CameraBatch(nil), d.batches...)
}

func batch(device string, ts int64) fusion.CameraBatch {
	return fusion.CameraBatch{
		DeviceID:    device,
		TimestampMs: ts,
		Detections:  []fusion.RawDetection{{Label: "person", Confidence: 0.9, LocalPosition: [3]float64{1, 2, 3}}},
	}
}

func TestNewRouter_Errors(t *testing.T) {
	_, err := NewRouter(RouterConfig{Submitter: &recordingSubmitter{}})
	assert.ErrorIs(t, err, calibration.ErrNoCalibratedDevices)

	_, err = NewRouter(RouterConfig{Extrinsics: testTable(t)})
	assert.Error(t, err)
}

func TestRouter_QueueFullDropsWithoutBlocking(t *testing.T) {
	sub := &recordingSubmitter{}
	r, err := NewRouter(RouterConfig{Extrinsics: testTable(t), Submitter: sub, QueueDepth: 2})
	require.NoError(t, err)

	assert.True(t, r.Dispatch(batch("cam-a", 1)))
	assert.True(t, r.Dispatch(batch("cam-a", 2)))
	assert.False(t, r.Dispatch(batch("cam-a", 3)), "third batch overflows the queue")
	assert.True(t, r.Dispatch(batch("cam-b", 1)), "other devices have their own queue")

	st := r.Stats()
	assert.Equal(t, uint64(3), st.Dispatched)
	assert.Equal(t, uint64(1), st.QueueFull)
	assert.Equal(t, map[string]int{"cam-a": 2, "cam-b": 1}, st.QueueDepths)
	assert.Equal(t, []string{"cam-a", "cam-b"}, r.Devices())
}

func TestRouter_UncalibratedGoesToSubmitter(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("unknown")}
	r, err := NewRouter(RouterConfig{Extrinsics: testTable(t), Submitter: sub})
	require.NoError(t, err)

	assert.False(t, r.Dispatch(batch("rogue", 1)))
	assert.Equal(t, 1, sub.count())
	assert.Equal(t, uint64(1), r.Stats().Uncalibrated)
}

func TestRouter_RunDrainsPerDevice(t *testing.T) {
	sub := &recordingSubmitter{}
	r, err := NewRouter(RouterConfig{Extrinsics: testTable(t), Submitter: sub})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for ts := int64(1); ts <= 10; ts++ {
		r.Dispatch(batch("cam-a", ts))
		r.Dispatch(batch("cam-b", ts))
	}
	require.Eventually(t, func() bool { return sub.count() == 20 }, 2*time.Second, time.Millisecond)

	// a single device's batches keep their order
	sub.mu.Lock()
	var last int64
	for _, b := range sub.batches {
		if b.DeviceID == "cam-a" {
			assert.Greater(t, b.TimestampMs, last)
			last = b.TimestampMs
		}
	}
	sub.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestDecodeBatch(t *testing.T) {
	b, err := DecodeBatch([]byte(`{"device_id":"cam-a","timestamp_ms":1700000000123,"detections":[{"label":"person","confidence":0.8,"local_position":[0.1,0.2,3]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "cam-a", b.DeviceID)
	assert.Equal(t, int64(1700000000123), b.TimestampMs)
	require.Len(t, b.Detections, 1)
	assert.Equal(t, [3]float64{0.1, 0.2, 3}, b.Detections[0].LocalPosition)

	_, err = DecodeBatch([]byte(`{not json`))
	assert.Error(t, err)

	_, err = DecodeBatch([]byte(`{"timestamp_ms":1}`))
	assert.ErrorIs(t, err, ErrEmptyDeviceID)

	enc, err := EncodeBatch(b)
	require.NoError(t, err)
	again, err := DecodeBatch(enc)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// mockSocket replays queued datagrams, then times out like an idle socket.
type mockSocket struct {
	packets chan []byte
	closed  chan struct{}
}

func (m *mockSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	select {
	case p := <-m.packets:
		return copy(b, p), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 40000}, nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil, timeoutErr{}
	}
}
func (m *mockSocket) SetReadBuffer(int) error         { return nil }
func (m *mockSocket) SetReadDeadline(time.Time) error { return nil }
func (m *mockSocket) LocalAddr() net.Addr             { return &net.UDPAddr{IP: net.IPv4zero, Port: 9870} }
func (m *mockSocket) Close() error                    { close(m.closed); return nil }

type mockFactory struct{ sock *mockSocket }

func (f mockFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) { return f.sock, nil }

func TestUDPListener_DispatchesDecodedBatches(t *testing.T) {
	sock := &mockSocket{packets: make(chan []byte, 4), closed: make(chan struct{})}
	disp := &recordingDispatcher{}
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:0",
		Dispatcher:    disp,
		SocketFactory: mockFactory{sock: sock},
	})

	good, err := EncodeBatch(batch("cam-a", 1000))
	require.NoError(t, err)
	sock.packets <- good
	sock.packets <- []byte("garbage")
	sock.packets <- good

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	require.Eventually(t, func() bool { return l.Stats().Packets == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	<-sock.closed

	st := l.Stats()
	assert.Equal(t, uint64(2), st.Dispatched)
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Len(t, disp.snapshot(), 2)
}

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: ":9870"})
	assert.Equal(t, time.Minute, l.logInterval)
	assert.IsType(t, RealUDPSocketFactory{}, l.socketFactory)
}

func udpFrame(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 20),
		DstIP:    net.IPv4(192, 168, 1, 10),
	}
	udp := &layers.UDP{SrcPort: 50000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestReplayPCAP(t *testing.T) {
	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	a, err := EncodeBatch(batch("cam-a", 1000))
	require.NoError(t, err)
	b, err := EncodeBatch(batch("cam-b", 1001))
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	frames := [][]byte{
		udpFrame(t, 9870, a),
		udpFrame(t, 5353, []byte("mdns noise")),
		udpFrame(t, 9870, []byte("{broken")),
		udpFrame(t, 9870, b),
	}
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}

	disp := &recordingDispatcher{}
	stats, err := ReplayPCAP(context.Background(), &capture, ReplayConfig{UDPPort: 9870, Realtime: true, SpeedMultiplier: 10, Dispatcher: disp})
	require.NoError(t, err)

	assert.Equal(t, ReplayStats{Packets: 4, Batches: 2, Dispatched: 2, DecodeErrors: 1}, stats)
	got := disp.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "cam-a", got[0].DeviceID)
	assert.Equal(t, "cam-b", got[1].DeviceID)
}

func TestReadPCAPFile_Missing(t *testing.T) {
	_, err := ReadPCAPFile(context.Background(), t.TempDir()+"/missing.pcap", ReplayConfig{})
	assert.Error(t, err)
}

func quietGenerator(t *testing.T, table *calibration.Table) *SyntheticGenerator {
	t.Helper()
	g, err := NewSyntheticGenerator(table, 1)
	require.NoError(t, err)
	g.NoiseM = 0
	g.JitterMs = 0
	g.DropoutProb = 0
	g.GhostProb = 0
	return g
}

func TestSyntheticGenerator_LocalPositionsMapBackToWorld(t *testing.T) {
	table := testTable(t)
	g := quietGenerator(t, table)

	batches := g.Batches(1000, 2.5)
	require.Len(t, batches, 2)

	for _, b := range batches {
		ext, ok := table.Lookup(b.DeviceID)
		require.True(t, ok)
		require.Len(t, b.Detections, len(g.Objects))
		for i, d := range b.Detections {
			local := r3.Vec{X: d.LocalPosition[0], Y: d.LocalPosition[1], Z: d.LocalPosition[2]}
			world := ext.ToWorld(local)
			want := ObjectPosition(g.Objects[i], 2.5)
			assert.InDelta(t, 0, r3.Norm(r3.Sub(world, want)), 1e-9, "device %s object %d", b.DeviceID, i)
			assert.Equal(t, int64(1000), b.TimestampMs)
		}
	}
}

func TestSyntheticGenerator_FusesToOneGroupPerObject(t *testing.T) {
	table := testTable(t)
	g := quietGenerator(t, table)
	p, err := pipeline.New(pipeline.Config{Extrinsics: table})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ts := int64(1000 + i*100)
		for _, b := range g.Batches(ts, float64(i)*0.1) {
			require.NoError(t, p.Submit(b))
		}
	}

	frame, ok := p.FlushOnce()
	require.True(t, ok)
	require.NotNil(t, frame)
	require.Len(t, frame.Groups, len(g.Objects))
	for _, grp := range frame.Groups {
		assert.Len(t, grp, 2, "each object is seen by both cameras")
	}
}

func TestSyntheticGenerator_RunStopsOnCancel(t *testing.T) {
	g := quietGenerator(t, testTable(t))
	g.FrameRate = 200
	disp := &recordingDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, disp) }()

	require.Eventually(t, func() bool { return len(disp.snapshot()) >= 4 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
