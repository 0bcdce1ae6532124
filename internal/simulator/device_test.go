package simulator

import (
	"archive/zip"
	"bytes"
	"context"
	"image/jpeg"
	"image/png"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-gateway/internal/datfile"
	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/parser"
	"instrument-gateway/internal/transport"
	"instrument-gateway/pkg/protocol"
)

const (
	pointA = "100000000000000001"
	pointB = "100000000000000002"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func taskXML(t *testing.T, points ...string) string {
	t.Helper()
	var ps []orchestrator.Point
	for _, id := range points {
		ps = append(ps, orchestrator.Point{WorkDetailID: id, DeviceTypeName: "GIS", DeviceName: "间隔"})
	}
	desc := orchestrator.BuildTaskDescription(
		orchestrator.WorkOrder{WorkID: "W-1", WorkName: "巡检"},
		orchestrator.SubWork{SubWorkID: "S-1", DetectMethod: orchestrator.MethodInfrared},
		ps, orchestrator.ModeTask)
	body, err := desc.Marshal()
	require.NoError(t, err)
	return body
}

func testDevice(opts Options) *Device {
	d := NewDevice(opts, quietLogger())
	d.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return d
}

func TestGeneratorDat(t *testing.T) {
	g := NewGenerator(1)
	buf, err := g.Dat(Sample{PointCode: pointA + "100", DeviceCode: "DEV", Timestamp: "1700000000001", Nature: 1, Width: 16, Height: 8, Ambient: 20})
	require.NoError(t, err)

	f, err := datfile.Open(buf)
	require.NoError(t, err)
	assert.Equal(t, pointA+"100", f.Header.PointCode)
	assert.Equal(t, "1700000000001", f.Header.Timestamp)
	assert.EqualValues(t, 16, f.Header.Width)
	assert.EqualValues(t, 8, f.Header.Height)
	assert.GreaterOrEqual(t, f.Header.TempMax, f.Header.TempMin)

	matrix, err := f.TemperatureMatrix()
	require.NoError(t, err)
	require.Len(t, matrix, 8)
	assert.Len(t, matrix[0], 16)
	assert.GreaterOrEqual(t, matrix[0][0], 20.0)

	vi, err := f.VisibleImage()
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(vi))
	assert.NoError(t, err)

	ir, err := f.InfraredImage()
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(ir))
	assert.NoError(t, err)
}

func TestUploadSingleFileIsRaw(t *testing.T) {
	d := testDevice(DefaultOptions())
	frame, err := d.Upload(taskXML(t, pointA))
	require.NoError(t, err)

	p, err := parser.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.FileUpload, p.MessageType)
	assert.False(t, p.Compressed())

	desc, err := orchestrator.ParseTaskDescription(p.BusinessData)
	require.NoError(t, err)
	assert.Equal(t, "0", desc.MainTask.FileType)
	assert.Equal(t, "1", desc.MainTask.FileCount)
	assert.Equal(t, "1700000000001.dat", desc.MainTask.SubTask.Clearances[0].TestPoints[0].FileName)

	f, err := datfile.Open(p.DetectData)
	require.NoError(t, err)
	assert.Equal(t, pointA+"100", f.Header.PointCode)
	assert.Equal(t, "DEV-01", f.Header.DeviceCode)
}

func TestUploadZipWithBackground(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = orchestrator.ModeT95
	opts.Background = true
	d := testDevice(opts)

	frame, err := d.Upload(taskXML(t, pointA, pointB))
	require.NoError(t, err)
	p, err := parser.Decode(frame)
	require.NoError(t, err)
	assert.True(t, p.Compressed())

	zr, err := zip.NewReader(bytes.NewReader(p.DetectData), int64(len(p.DetectData)))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)

	natures := map[uint8]int{}
	for _, entry := range zr.File {
		rc, err := entry.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		f, err := datfile.Open(data)
		require.NoError(t, err)
		natures[f.Header.Nature]++
		if f.Header.Nature != orchestrator.NatureBackground {
			assert.Equal(t, "2", f.Header.PointCode[pointBaseSize:pointBaseSize+1])
		}
	}
	assert.Equal(t, map[uint8]int{1: 2, orchestrator.NatureBackground: 1}, natures)
}

func TestUploadWithoutPoints(t *testing.T) {
	d := testDevice(DefaultOptions())
	_, err := d.Upload(taskXML(t))
	assert.Error(t, err)

	_, err = d.Upload("not xml")
	assert.Error(t, err)
}

func TestPointCodePadsShortIDs(t *testing.T) {
	d := testDevice(DefaultOptions())
	assert.Equal(t, "000000000000000042100", d.pointCode("42"))
	assert.Equal(t, pointA+"100", d.pointCode(pointA+"999"))
}

type uploadRecorder struct {
	mu     sync.Mutex
	groups []orchestrator.FileGroup
}

func (u *uploadRecorder) Upload(_ context.Context, groups []orchestrator.FileGroup) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.groups = append(u.groups, groups...)
	return nil
}

type discardTCP struct{}

func (discardTCP) Send(string, int, []byte) error { return nil }

// 生成的上传报文应能被网关完整接收
func TestUploadAcceptedByOrchestrator(t *testing.T) {
	running := orchestrator.WorkRunning
	reg := orchestrator.NewRegistry(&orchestrator.TransportParams{Host: "127.0.0.1", Port: 9000, Mode: orchestrator.ModeTask, WorkStatus: &running})
	up := &uploadRecorder{}
	codec := parser.NewCodec(quietLogger(), parser.CRCStrict)
	cfg := orchestrator.DefaultConfig()
	cfg.TempDir = t.TempDir()
	o := orchestrator.New(cfg, codec, discardTCP{}, nil, reg, up, quietLogger())

	d := testDevice(DefaultOptions())
	frame, err := d.Upload(taskXML(t, pointA, pointB))
	require.NoError(t, err)

	require.NoError(t, o.HandleProtocolResponse(context.Background(), frame, orchestrator.Origin{Source: transport.SourceTCP, Key: "127.0.0.1:9000"}))
	require.Len(t, up.groups, 2)
	for _, g := range up.groups {
		require.Len(t, g.Files, 2)
		assert.Equal(t, "6-1-1", string(g.Files[0].Type))
		assert.FileExists(t, g.Files[0].FilePath)
		assert.FileExists(t, g.Files[1].FilePath)
	}
}

func TestServeAcknowledgesAndUploads(t *testing.T) {
	opts := DefaultOptions()
	opts.UploadDelay = 10 * time.Millisecond
	d := testDevice(opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	codec := parser.NewCodec(quietLogger(), parser.CRCLenient)
	task, seq := codec.Build(taskXML(t, pointA), protocol.TaskIssued, protocol.FlagRequest)
	_, err = conn.Write(task)
	require.NoError(t, err)

	demux := parser.NewDemuxer("device", 0, 0, quietLogger())
	var frames [][]byte
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(3 * time.Second)
	for len(frames) < 2 && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _ := conn.Read(buf)
		frames = append(frames, demux.FeedBinary(buf[:n]).Frames...)
	}
	require.Len(t, frames, 2)

	ack, err := codec.Parse(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskReceiveAck, ack.MessageType)
	assert.Equal(t, seq, ack.Sequence)

	upload, err := codec.Parse(frames[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.FileUpload, upload.MessageType)

	_, err = conn.Write(codec.BuildWithSequence(protocol.BusinessDataAck, protocol.FileUploadAck, protocol.FlagReply, upload.Sequence))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Stats().UploadsAcked == 1 }, 3*time.Second, 10*time.Millisecond)

	stats := d.Stats()
	assert.EqualValues(t, 1, stats.Connections)
	assert.EqualValues(t, 1, stats.TasksReceived)
	assert.EqualValues(t, 1, stats.UploadsSent)
	assert.Positive(t, stats.TotalBytes)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("模拟仪器未退出")
	}
}

func TestServeSendsHandshake(t *testing.T) {
	opts := DefaultOptions()
	opts.Handshake = true
	d := testDevice(opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	demux := parser.NewDemuxer("device", 0, 0, quietLogger())
	buf := make([]byte, 4096)
	var frames [][]byte
	deadline := time.Now().Add(3 * time.Second)
	for len(frames) == 0 && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _ := conn.Read(buf)
		frames = demux.FeedBinary(buf[:n]).Frames
	}
	require.Len(t, frames, 1)

	p, err := parser.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.RequestConnection, p.MessageType)
	assert.Equal(t, protocol.FlagRequest, p.RequestFlag)
}
