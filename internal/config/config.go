package config

import (
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DriverMongo   = "mongo"
	DriverWxCloud = "wxcloud"
	DriverMemory  = "memory"
)

// ErrTemplateCreated is returned by ReadConfig after it wrote a default
// configuration file in place of a missing one.
var ErrTemplateCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

// DefaultPath is where ReadConfig looks when no path was set with SetPath.
const DefaultPath = "config.json"

type DeviceSeed struct {
	SN     string `json:"sn"`
	Secret string `json:"secret"`
	OpenID string `json:"openid"`
}

type Config struct {
	Broker struct {
		MqttPort                  int    `json:"mqtt_port"`
		WsPort                    int    `json:"ws_port"`
		SuperClientConnectTimeout string `json:"super_client_connect_timeout"`
		AuthTimeout               string `json:"auth_timeout"`
		ResolveTimeout            string `json:"resolve_timeout"`
	} `json:"broker"`
	Admin struct {
		Enabled bool `json:"enabled"`
		Port    int  `json:"port"`
	} `json:"admin"`
	RecordStore struct {
		Driver string `json:"driver"`
	} `json:"record_store"`
	Database struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		Collection         string `json:"collection"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	WxCloud struct {
		Host           string `json:"host"`
		AppID          string `json:"appid"`
		Secret         string `json:"secret"`
		Env            string `json:"env"`
		TokenCacheFile string `json:"token_cache_file"`
		RequestTimeout string `json:"request_timeout"`
	} `json:"wxcloud"`
	Devices   []DeviceSeed `json:"devices"`
	DebugMode bool         `json:"debug_mode"`
	AppName   string       `json:"app_name"`
	LogPath   string       `json:"log_path"`
}

var (
	config      = Default()
	initialized = false
	path        = DefaultPath
)

// Default returns the configuration written to disk when no file exists yet.
func Default() Config {
	var c Config
	c.Broker.MqttPort = 1883
	c.Broker.WsPort = 8083
	c.Broker.SuperClientConnectTimeout = "10s"
	c.Broker.AuthTimeout = "10s"
	c.Broker.ResolveTimeout = "5s"
	c.Admin.Enabled = true
	c.Admin.Port = 8082
	c.RecordStore.Driver = DriverMongo
	c.Database.Host = "127.0.0.1"
	c.Database.Port = 27017
	c.Database.Database = "hakit"
	c.Database.Collection = "devices"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "30s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MinPoolSize = 1
	c.Database.MaxPoolSize = 20
	c.WxCloud.Host = "https://api.weixin.qq.com"
	c.WxCloud.TokenCacheFile = "token.cache"
	c.WxCloud.RequestTimeout = "10s"
	c.AppName = "life-stream-device-relay"
	c.LogPath = "logs"
	return c
}

// SetPath changes the file read by ReadConfig and drops any cached configuration.
func SetPath(p string) {
	path = p
	initialized = false
	config = Default()
}

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		if err := writeTemplate(path); err != nil {
			return config, fmt.Errorf("the configuration file does not exist and the template could not be created: %w", err)
		}
		return config, ErrTemplateCreated
	}

	loaded := Default()
	if err = json.Unmarshal(bytes, &loaded); err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	if err = loaded.Validate(); err != nil {
		return config, err
	}

	config = loaded
	initialized = true
	return config, nil
}

// writeTemplate stores the default configuration at p.
func writeTemplate(p string) error {
	data, err := json.MarshalIndent(Default(), "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0644)
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

func validPort(port int) bool {
	return port > 0 && port < 65536
}

// Validate checks the fields the relay cannot start without.
func (c Config) Validate() error {
	if !validPort(c.Broker.MqttPort) {
		return fmt.Errorf("invalid mqtt port %d", c.Broker.MqttPort)
	}
	if !validPort(c.Broker.WsPort) {
		return fmt.Errorf("invalid websocket port %d", c.Broker.WsPort)
	}
	if c.Broker.MqttPort == c.Broker.WsPort {
		return fmt.Errorf("mqtt and websocket transports cannot share port %d", c.Broker.MqttPort)
	}
	if c.Admin.Enabled {
		if !validPort(c.Admin.Port) {
			return fmt.Errorf("invalid admin port %d", c.Admin.Port)
		}
		if c.Admin.Port == c.Broker.MqttPort || c.Admin.Port == c.Broker.WsPort {
			return fmt.Errorf("admin port %d collides with a transport port", c.Admin.Port)
		}
	}
	switch c.RecordStore.Driver {
	case DriverMongo, DriverMemory:
	case DriverWxCloud:
		if c.WxCloud.AppID == "" || c.WxCloud.Secret == "" || c.WxCloud.Env == "" {
			return errors.New("wxcloud driver requires appid, secret and env")
		}
	default:
		return fmt.Errorf("unknown record store driver %q", c.RecordStore.Driver)
	}
	return nil
}
