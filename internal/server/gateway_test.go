package server

import (
	"context"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-gateway/internal/broker"
	"instrument-gateway/internal/config"
	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/parser"
	"instrument-gateway/internal/simulator"
	"instrument-gateway/internal/transport"
	"instrument-gateway/pkg/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// instrument 模拟仪器端的 TCP 服务
type instrument struct {
	ln   net.Listener
	host string
	port int
}

func newInstrument(t *testing.T) *instrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &instrument{ln: ln, host: host, port: port}
}

func (in *instrument) accept(t *testing.T) net.Conn {
	t.Helper()
	conn, err := in.ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame 读取下一个完整的二进制帧，跳过心跳等文本数据
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var buf []byte
	chunk := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		res := parser.ExtractBinaryFrames(buf, 0)
		if len(res.Frames) > 0 {
			return res.Frames[0]
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			require.NoError(t, err)
		}
	}
	t.Fatal("等待设备报文超时")
	return nil
}

func testConfig(t *testing.T, in *instrument) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Monitor.Enabled = false
	cfg.TCP.ReadTimeout = 50 * time.Millisecond
	cfg.TCP.ReconnectDelay = 50 * time.Millisecond
	cfg.TCP.DebounceWindow = 20 * time.Millisecond
	cfg.TCP.Devices = []config.DeviceConfig{{Host: in.host, Port: in.port, Mode: int(orchestrator.ModeTask)}}
	cfg.Orchestrator.AckTimeout = 2 * time.Second
	cfg.Orchestrator.TempDir = t.TempDir()
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	g, err := NewGateway(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("网关未能退出")
		}
	})
	return g
}

func TestGatewayDispatchesOverTCP(t *testing.T) {
	in := newInstrument(t)
	g := startGateway(t, testConfig(t, in))
	conn := in.accept(t)
	require.Eventually(t, func() bool {
		return g.tcp.Status(in.host, in.port) == transport.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	codec := parser.NewCodec(quietLogger(), parser.CRCLenient)
	go func() {
		frame := readFrame(t, conn)
		p, err := codec.Parse(frame)
		if err != nil || p.MessageType != protocol.TaskIssued {
			return
		}
		conn.Write(codec.BuildWithSequence(protocol.BusinessDataAck, protocol.TaskReceiveAck, protocol.FlagReply, p.Sequence))
	}()

	err := g.Orchestrator().Dispatch(context.Background(),
		orchestrator.WorkOrder{WorkID: "W-1", WorkName: "巡检"},
		orchestrator.SubWork{SubWorkID: "S-1", DetectMethod: orchestrator.MethodInfrared},
		[]orchestrator.Point{{WorkDetailID: "p1", DeviceTypeName: "GIS"}})
	require.NoError(t, err)
	assert.Equal(t, 0, g.Orchestrator().Pending())
}

func TestGatewayAnswersRequestConnection(t *testing.T) {
	in := newInstrument(t)
	g := startGateway(t, testConfig(t, in))
	conn := in.accept(t)
	require.Eventually(t, func() bool {
		return g.tcp.Status(in.host, in.port) == transport.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	codec := parser.NewCodec(quietLogger(), parser.CRCLenient)
	_, err := conn.Write(codec.BuildWithSequence("", protocol.RequestConnection, protocol.FlagRequest, 9))
	require.NoError(t, err)

	p, err := codec.Parse(readFrame(t, conn))
	require.NoError(t, err)
	assert.Equal(t, protocol.RequestConnectionAck, p.MessageType)
	assert.Equal(t, uint16(9), p.Sequence)
	assert.Equal(t, protocol.BusinessDataAck, p.BusinessData)
}

func TestFallbackParams(t *testing.T) {
	assert.Nil(t, fallbackParams(nil))

	p := fallbackParams([]config.DeviceConfig{{Host: "10.0.0.1", Port: 9000, Mode: 3}, {Host: "10.0.0.2", Port: 9001}})
	require.NotNil(t, p)
	assert.Equal(t, "10.0.0.1", p.Host)
	assert.Equal(t, orchestrator.ModeDMS, p.Mode)
	assert.Equal(t, orchestrator.WorkRunning, *p.WorkStatus)
}

// 网关与模拟仪器之间完整走一遍下发、确认、上传
func TestGatewayEndToEndWithSimulator(t *testing.T) {
	in := newInstrument(t)
	opts := simulator.DefaultOptions()
	opts.UploadDelay = 10 * time.Millisecond
	opts.Handshake = true
	dev := simulator.NewDevice(opts, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- dev.Serve(ctx, in.ln) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	cfg := testConfig(t, in)
	g := startGateway(t, cfg)
	require.Eventually(t, func() bool {
		return g.tcp.Status(in.host, in.port) == transport.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	err := g.Orchestrator().Dispatch(context.Background(),
		orchestrator.WorkOrder{WorkID: "W-1", WorkName: "巡检"},
		orchestrator.SubWork{SubWorkID: "S-1", DetectMethod: orchestrator.MethodInfrared},
		[]orchestrator.Point{{WorkDetailID: "100000000000000001", DeviceTypeName: "GIS"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dev.Stats().UploadsAcked == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, dev.Stats().UploadsRejected)

	images, err := filepath.Glob(filepath.Join(cfg.Orchestrator.TempDir, "*", "1", "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestBrokerURLFromShippedConfig(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.MQTT.DeviceCode)

	raw := broker.BrokerURL(brokerOptions(cfg.MQTT), cfg.MQTT.Host, cfg.MQTT.Port)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "tcp", u.Scheme)
	assert.Equal(t, cfg.MQTT.Host, u.Hostname())
	assert.Equal(t, strconv.Itoa(cfg.MQTT.Port), u.Port())
	assert.Empty(t, u.Path)

	cfg.MQTT.Protocol, cfg.MQTT.Path = "ws", "mqtt"
	assert.Equal(t, "ws://localhost:1883/mqtt", broker.BrokerURL(brokerOptions(cfg.MQTT), "localhost", 1883))
}
