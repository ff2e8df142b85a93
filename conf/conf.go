package conf

import (
	"encoding/json"

	"github.com/ringo-is-a-color/seqproxy/transport/socket"
	"github.com/ringo-is-a-color/seqproxy/util/errors"
)

type Config struct {
	Frontend Frontend `json:"frontend"`
	Backend  Backend  `json:"backend"`
	Relay    Relay    `json:"relay"`
	Misc     Misc     `json:"misc"`
}

type Frontend struct {
	Path string `json:"path" validate:"required"`
}

type Backend struct {
	Address *BackendAddress `json:"address" validate:"required"`
}

type BackendAddress struct {
	Addr   *socket.Address
	String string
}

type Relay struct {
	InitialBufferSize int `json:"initial-buffer-size" validate:"gte=1,lte=1048576"`
	MaxMessageSize    int `json:"max-message-size" validate:"gtefield=InitialBufferSize,lte=16777216"`
}

type Misc struct {
	VerboseLog    bool   `json:"verbose-log"`
	LogLevel      string `json:"log-level" validate:"oneof=trace debug info warn warning error critical"`
	Metrics       bool   `json:"metrics"`
	MetricsPort   int    `json:"metrics-port" validate:"gte=0,lte=65535"`
	Profiling     bool   `json:"profiling"`
	ProfilingPort int    `json:"profiling-port" validate:"gte=0,lte=65535"`
}

const (
	defaultInitialBufferSize = 1024
	defaultMaxMessageSize    = 64 * 1024
	defaultLogLevel          = "info"
	defaultMetricsPort       = 9464
	defaultProfilingPort     = 6060
)

// Default is the configuration a config file starts from.
func Default() *Config {
	config := &Config{}
	config.Relay.InitialBufferSize = defaultInitialBufferSize
	config.Relay.MaxMessageSize = defaultMaxMessageSize
	config.Misc.LogLevel = defaultLogLevel
	config.Misc.MetricsPort = defaultMetricsPort
	config.Misc.ProfilingPort = defaultProfilingPort
	return config
}

func ParseBackendAddress(s string) (*BackendAddress, error) {
	addr, err := socket.ParseAddress(s)
	if err != nil {
		return nil, err
	}
	return &BackendAddress{Addr: addr, String: s}, nil
}

func (addr *BackendAddress) UnmarshalJSON(data []byte) error {
	var addrStr string
	err := json.Unmarshal(data, &addrStr)
	if err != nil {
		return errors.Wrap(err, "fail to parse the 'address' field")
	}

	parsed, err := ParseBackendAddress(addrStr)
	if err != nil {
		return errors.Wrap(err, "the address should be 'unix:<path>', 'tcp:<host>:<port>' or an absolute socket path")
	}
	*addr = *parsed
	return nil
}
