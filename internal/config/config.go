package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPort    = errors.New("port must be between 1 and 65535")
	ErrInvalidEngine  = errors.New("rtc.engine must be pion or memory")
	ErrInvalidCodec   = errors.New("rtc.codecs entries need a mime_type and a positive clock_rate")
	ErrInvalidTimings = errors.New("signal.ping_period must be shorter than signal.pong_wait")
)

const (
	EnginePion   = "pion"
	EngineMemory = "memory"
)

// Config 信令中继的全部配置
type Config struct {
	Port        uint32 `yaml:"port,omitempty"`
	BindAddress string `yaml:"bind_address,omitempty"`
	Development bool   `yaml:"development,omitempty"`

	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	RTC       RTCConfig       `yaml:"rtc,omitempty"`
	Room      RoomConfig      `yaml:"room,omitempty"`
	Signal    SignalConfig    `yaml:"signal,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
}

type LoggingConfig struct {
	// debug / info / warn / error
	Level string `yaml:"level,omitempty"`
	// JSON 为 false 时使用 console 格式
	JSON bool `yaml:"json,omitempty"`
}

// RTCConfig 媒体引擎相关配置
type RTCConfig struct {
	Engine       string        `yaml:"engine,omitempty"`
	AnnouncedIP  string        `yaml:"announced_ip,omitempty"`
	EnableTCP    bool          `yaml:"enable_tcp,omitempty"`
	UDPPortStart uint16        `yaml:"udp_port_start,omitempty"`
	UDPPortEnd   uint16        `yaml:"udp_port_end,omitempty"`
	STUNServers  []string      `yaml:"stun_servers,omitempty"`
	Codecs       []CodecConfig `yaml:"codecs,omitempty"`
}

type CodecConfig struct {
	Kind        string `yaml:"kind,omitempty"`
	MimeType    string `yaml:"mime_type"`
	ClockRate   int    `yaml:"clock_rate"`
	Channels    uint16 `yaml:"channels,omitempty"`
	PayloadType uint8  `yaml:"payload_type,omitempty"`
}

type RoomConfig struct {
	DefaultID          string        `yaml:"default_id,omitempty"`
	PlaybackBaseURL    string        `yaml:"playback_base_url,omitempty"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout,omitempty"`
}

// SignalConfig WebSocket 连接参数
type SignalConfig struct {
	SendBufferSize    int           `yaml:"send_buffer_size,omitempty"`
	InboundBufferSize int           `yaml:"inbound_buffer_size,omitempty"`
	ReadLimit         int64         `yaml:"read_limit,omitempty"`
	PongWait          time.Duration `yaml:"pong_wait,omitempty"`
	PingPeriod        time.Duration `yaml:"ping_period,omitempty"`
	WriteWait         time.Duration `yaml:"write_wait,omitempty"`
}

// DiscoveryConfig 局域网广播，方便开发时手机端找到中继
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty"`
	Name     string        `yaml:"name,omitempty"`
	Host     string        `yaml:"host,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

var DefaultConfig = Config{
	Port: 3000,
	Logging: LoggingConfig{
		Level: "info",
		JSON:  true,
	},
	RTC: RTCConfig{
		Engine:      EnginePion,
		AnnouncedIP: "127.0.0.1",
		EnableTCP:   true,
		Codecs: []CodecConfig{
			{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
		},
	},
	Room: RoomConfig{
		DefaultID:          "main",
		PlaybackBaseURL:    "http://localhost:3000/stream",
		NegotiationTimeout: 10 * time.Second,
	},
	Signal: SignalConfig{
		SendBufferSize:    256,
		InboundBufferSize: 32,
		ReadLimit:         512 * 1024,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		WriteWait:         10 * time.Second,
	},
	Discovery: DiscoveryConfig{
		Name:     "safestream",
		Interval: 3 * time.Second,
	},
}

// NewConfig 以 DefaultConfig 为底，依次叠加 YAML 配置和命令行参数。
// strictMode 为 true 时配置中出现未知字段会报错。
func NewConfig(confString string, strictMode bool, c *cli.Context) (*Config, error) {
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		// 配置里给了 codecs 时整体替换默认值，而不是逐项合并
		conf.RTC.Codecs = nil
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
		if len(conf.RTC.Codecs) == 0 {
			conf.RTC.Codecs = DefaultConfig.RTC.Codecs
		}
	}

	levelFromCLI := false
	if c != nil {
		conf.updateFromCLI(c)
		levelFromCLI = c.IsSet("log-level")
	}

	if conf.Development && !levelFromCLI {
		conf.Logging.Level = "debug"
		conf.Logging.JSON = false
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (conf *Config) updateFromCLI(c *cli.Context) {
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint("port"))
	}
	if c.IsSet("bind") {
		conf.BindAddress = c.String("bind")
	}
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
	if c.IsSet("announced-ip") {
		conf.RTC.AnnouncedIP = c.String("announced-ip")
	}
	if c.IsSet("media-engine") {
		conf.RTC.Engine = c.String("media-engine")
	}
	if c.IsSet("playback-base-url") {
		conf.Room.PlaybackBaseURL = c.String("playback-base-url")
	}
	if c.IsSet("announce") {
		conf.Discovery.Enabled = c.Bool("announce")
	}
}

func (conf *Config) Validate() error {
	if conf.Port == 0 || conf.Port > 65535 {
		return ErrInvalidPort
	}
	if conf.RTC.Engine != EnginePion && conf.RTC.Engine != EngineMemory {
		return errors.Wrapf(ErrInvalidEngine, "got %q", conf.RTC.Engine)
	}
	for _, codec := range conf.RTC.Codecs {
		if codec.MimeType == "" || codec.ClockRate <= 0 {
			return errors.Wrapf(ErrInvalidCodec, "%+v", codec)
		}
	}
	if conf.Signal.PingPeriod >= conf.Signal.PongWait {
		return ErrInvalidTimings
	}
	return nil
}

// ListenAddress 返回 HTTP 监听地址
func (conf *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", conf.BindAddress, conf.Port)
}

// LoadConfigFile 读取配置文件，路径支持 ~ 和环境变量
func LoadConfigFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return "", errors.Wrap(err, "read config file")
	}
	return string(b), nil
}
