package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LogConfig          `yaml:"log"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Redis        RedisConfig        `yaml:"redis"`
	Codec        CodecConfig        `yaml:"codec"`
	TCP          TCPConfig          `yaml:"tcp"`
	Bluetooth    BluetoothConfig    `yaml:"bluetooth"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MetricsPort    int           `yaml:"metrics_port"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	Channel   string `yaml:"channel"`
	ListLimit int64  `yaml:"list_limit"`
}

type CodecConfig struct {
	StrictCRC    bool   `yaml:"strict_crc"`
	MaxFrameSize uint64 `yaml:"max_frame_size"`
}

// DeviceConfig 启动时主动连接的仪器
type DeviceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Mode 未登记工单时使用的检测模式
	Mode int `yaml:"mode"`
}

type TCPConfig struct {
	DialTimeout       time.Duration  `yaml:"dial_timeout"`
	ReadTimeout       time.Duration  `yaml:"read_timeout"`
	WriteTimeout      time.Duration  `yaml:"write_timeout"`
	BufferSize        int            `yaml:"buffer_size"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	HeartbeatPayload  string         `yaml:"heartbeat_payload"`
	ReconnectDelay    time.Duration  `yaml:"reconnect_delay"`
	DebounceWindow    time.Duration  `yaml:"debounce_window"`
	MaxBuffered       int            `yaml:"max_buffered"`
	Devices           []DeviceConfig `yaml:"devices"`
}

type BluetoothConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Command      string        `yaml:"command"`
	Args         []string      `yaml:"args"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Protocol       string        `yaml:"protocol"`
	Path           string        `yaml:"path"`
	QoS            byte          `yaml:"qos"`
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	// DeviceCode 移动终端编码，用于拼接主题
	DeviceCode string `yaml:"device_code"`
}

type OrchestratorConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
	TempDir    string        `yaml:"temp_dir"`
}

// LoadConfig 加载配置文件，文件中未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 检查相互依赖的配置项
func (c *Config) Validate() error {
	if c.Bluetooth.Enabled && c.Bluetooth.Command == "" {
		return fmt.Errorf("配置错误: 启用蓝牙时必须指定 bluetooth.command")
	}
	if c.MQTT.Enabled && c.MQTT.DeviceCode == "" {
		return fmt.Errorf("配置错误: 启用 MQTT 时必须指定 mqtt.device_code")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("配置错误: mqtt.qos 取值 0-2, 当前 %d", c.MQTT.QoS)
	}
	for i, d := range c.TCP.Devices {
		if d.Host == "" || d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("配置错误: tcp.devices[%d] 地址无效 %s:%d", i, d.Host, d.Port)
		}
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:        true,
			MetricsPort:    9090,
			SampleInterval: 10 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			PoolSize:  10,
			Channel:   "detect_files",
			ListLimit: 1000,
		},
		Codec: CodecConfig{
			StrictCRC:    false,
			MaxFrameSize: 256 << 20,
		},
		TCP: TCPConfig{
			DialTimeout:       10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      10 * time.Second,
			BufferSize:        4096,
			HeartbeatInterval: 0,
			HeartbeatPayload:  "<heartbeat/>",
			ReconnectDelay:    5 * time.Second,
			DebounceWindow:    600 * time.Millisecond,
			MaxBuffered:       64 << 20,
		},
		Bluetooth: BluetoothConfig{
			RestartDelay: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Port:           1883,
			ClientIDPrefix: "instrument-gateway",
			Protocol:       "tcp",
			QoS:            1,
			Retries:        3,
			RetryDelay:     5 * time.Second,
			ReconnectDelay: 5 * time.Second,
			DebounceWindow: 600 * time.Millisecond,
			KeepAlive:      60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			AckTimeout: 20 * time.Second,
			TempDir:    "temp",
		},
	}
}
