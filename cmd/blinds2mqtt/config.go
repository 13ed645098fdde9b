package main

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/coordinator"
	"github.com/jkaflik/blinds2mqtt/internal/cover/tilt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	kindRelays = "relays"
	kindShelly = "shelly"

	shellyTransportMQTT = "mqtt"
	shellyTransportWS   = "ws"
)

type cfgWiredRelaySetPin struct {
	Kind string `yaml:"kind"`

	Pin uint8 `yaml:"pin"`

	Mcp23017 int `yaml:"mcp23017"`
}

type cfgRelay struct {
	Kind string `yaml:"kind"`

	Pin          cfgWiredRelaySetPin `yaml:"pin"`
	NormalClosed bool                `yaml:"normal_closed"`
}

type cfgCoverMQTTBridge struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

type cfgCoverDriverRelays struct {
	Up   cfgRelay `yaml:"up"`
	Down cfgRelay `yaml:"down"`

	FullOpenPosition  int           `yaml:"full_open_position"`
	FullClosePosition int           `yaml:"full_close_position"`
	TimeToClose       time.Duration `yaml:"time_to_close"`
}

type cfgCoverDriverShelly struct {
	Transport string `yaml:"transport"`
	// Device is the MQTT topic prefix of the device.
	Device string `yaml:"device"`
	// URL is the websocket rpc endpoint, ws://<host>/rpc.
	URL     string        `yaml:"url"`
	ID      int           `yaml:"id"`
	Timeout time.Duration `yaml:"timeout"`
}

type cfgCoverDriver struct {
	Relays cfgCoverDriverRelays `yaml:"relays"`
	Shelly cfgCoverDriverShelly `yaml:"shelly"`
}

type cfgCover struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	MQTTBridge cfgCoverMQTTBridge `yaml:"mqtt_bridge"`

	Calibration           tilt.Calibration `yaml:"calibration"`
	DirectionOptimization *bool            `yaml:"direction_optimization"`
	MinMovement           int              `yaml:"min_movement"`
	WatchdogWindow        time.Duration    `yaml:"watchdog_window"`

	Driver cfgCoverDriver `yaml:"driver"`
}

type cfgMcp23017 struct {
	Bus          uint8 `yaml:"bus"`
	DeviceNumber uint8 `yaml:"device_number"`
}

type cfgDrivers struct {
	Relay struct {
		Pool     int                 `yaml:"pool" default:"0"`
		Mcp23017 map[int]cfgMcp23017 `yaml:"mcp23017"`
	} `yaml:"relay"`
	Shelly struct {
		Reconnect time.Duration `yaml:"reconnect" default:"5s"`
	} `yaml:"shelly"`
}

type cfgMQTT struct {
	ClientID string `yaml:"client_id" default:"blinds2mqtt" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgHTTP struct {
	Enabled bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	Listen  string `yaml:"listen" default:":8080" env:"LISTEN"`
}

type Config struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT cfgMQTT `yaml:"mqtt" env:"MQTT"`
	HASS cfgHASS `yaml:"hass" env:"HASS"`
	HTTP cfgHTTP `yaml:"http" env:"HTTP"`

	Covers []cfgCover `yaml:"covers"`

	Drivers cfgDrivers `yaml:"drivers"`
}

// loadConfig reads defaults and B2M_ prefixed environment variables, then
// the YAML file on top. A missing file leaves the defaults in place.
func loadConfig(filename string) (*Config, error) {
	cfg := &Config{}

	loader := aconfig.LoaderFor(cfg, aconfig.Config{
		EnvPrefix: "B2M",
		SkipFlags: true,
		SkipFiles: true,
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}

	f, err := os.Open(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "config file %s", filename)
		}
	} else {
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "config file %s decode failed", filename)
		}
	}

	for i := range cfg.Covers {
		cfg.Covers[i].applyDefaults()
		if err := cfg.Covers[i].validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *cfgCover) applyDefaults() {
	defaults := tilt.DefaultCalibration()
	if c.Calibration.OpeningToKnown == 0 {
		c.Calibration.OpeningToKnown = defaults.OpeningToKnown
	}
	if c.Calibration.ClosingToKnown == 0 {
		c.Calibration.ClosingToKnown = defaults.ClosingToKnown
	}
	if c.Calibration.StraightFromOpen == 0 {
		c.Calibration.StraightFromOpen = defaults.StraightFromOpen
	}
	if c.Calibration.StraightFromClose == 0 {
		c.Calibration.StraightFromClose = defaults.StraightFromClose
	}
	if c.DirectionOptimization == nil {
		enabled := true
		c.DirectionOptimization = &enabled
	}
	if c.MinMovement == 0 {
		c.MinMovement = coordinator.DefaultMinMovement
	}
	if c.WatchdogWindow == 0 {
		c.WatchdogWindow = coordinator.DefaultWatchdogWindow
	}

	r := &c.Driver.Relays
	if r.FullOpenPosition == 0 && r.FullClosePosition == 0 {
		r.FullOpenPosition = 100
	}
	if r.TimeToClose == 0 {
		r.TimeToClose = time.Minute
	}

	if c.Driver.Shelly.Transport == "" {
		c.Driver.Shelly.Transport = shellyTransportMQTT
	}
}

func (c *cfgCover) validate() error {
	if c.Name == "" {
		return errors.New("cover name is required")
	}

	if err := c.Calibration.Validate(); err != nil {
		return errors.Wrapf(err, "%s: invalid calibration", c.Name)
	}

	switch c.Kind {
	case kindRelays:
		if c.Driver.Relays.FullOpenPosition != 100 || c.Driver.Relays.FullClosePosition != 0 {
			return errors.Errorf("%s: relays positions have to span 0-100", c.Name)
		}
	case kindShelly:
		s := c.Driver.Shelly
		switch {
		case s.Transport == shellyTransportMQTT && s.Device == "":
			return errors.Errorf("%s: shelly device is required for mqtt transport", c.Name)
		case s.Transport == shellyTransportWS && s.URL == "":
			return errors.Errorf("%s: shelly url is required for ws transport", c.Name)
		case s.Transport != shellyTransportMQTT && s.Transport != shellyTransportWS:
			return errors.Errorf("%s: %s is not supported shelly transport", c.Name, s.Transport)
		}
	default:
		return errors.Errorf("%s: %s is not supported cover kind", c.Name, c.Kind)
	}

	return nil
}

func (c *cfgCover) coordinatorOptions() coordinator.Options {
	opts := coordinator.DefaultOptions()
	opts.Calibration = c.Calibration
	opts.DirectionOptimization = *c.DirectionOptimization
	opts.MinMovement = c.MinMovement
	opts.WatchdogWindow = c.WatchdogWindow

	return opts
}

func pahoOptsFromConfig(cfg cfgMQTT) *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(cfg.ClientID).
		AddBroker(cfg.Broker).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}
