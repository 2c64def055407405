// Package config loads daemon settings from defaults, a TOML file, a .env
// file and FLOW_* environment variables, in that order of precedence.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/sweeney/flow-sensor/internal/gpio"
	"github.com/sweeney/flow-sensor/internal/logic"
	"github.com/sweeney/flow-sensor/internal/store"
	"github.com/sweeney/flow-sensor/internal/telemetry"
)

// ErrInvalid wraps every validation and parse failure.
var ErrInvalid = errors.New("invalid config")

// EngineNone disables the durable store; the meter runs memory-only.
const EngineNone = "none"

// DefaultIndicatorPeriod is how often the LED is refreshed. It must be well
// under logic.BlinkPeriod for the idle blink to look even.
const DefaultIndicatorPeriod = 100 * time.Millisecond

// Config is the fully resolved daemon configuration.
type Config struct {
	Device  DeviceConfig
	Sensor  SensorConfig
	Reset   ResetConfig
	LED     LEDConfig
	Storage StorageConfig
	Loop    LoopConfig
	MQTT    MQTTConfig
	HTTP    HTTPConfig
	Log     LogConfig
}

type DeviceConfig struct {
	Name     string
	Position string
}

type SensorConfig struct {
	Chip    string
	Pin     int
	KFactor float64
}

type ResetConfig struct {
	Pin      int
	Cooldown time.Duration
	Stable   time.Duration
}

type LEDConfig struct {
	Red   int
	Green int
	Blue  int
}

type StorageConfig struct {
	Engine        string
	Path          string // empty means the engine's default under DefaultDataDir
	Namespace     string
	CommitTimeout time.Duration
}

type LoopConfig struct {
	Period    time.Duration
	Indicator time.Duration
}

type MQTTConfig struct {
	Broker   string // empty disables MQTT
	ClientID string
}

type HTTPConfig struct {
	Addr string // empty disables the status server
}

type LogConfig struct {
	Level  string
	Format string // console or json
}

// Default returns the built-in configuration.
func Default() Config {
	pins := gpio.DefaultPins()
	return Config{
		Device: DeviceConfig{
			Name:     telemetry.DefaultDevice,
			Position: telemetry.DefaultPosition,
		},
		Sensor: SensorConfig{
			Chip:    pins.Chip,
			Pin:     pins.Flow,
			KFactor: logic.DefaultKFactor,
		},
		Reset: ResetConfig{
			Pin:      pins.Reset,
			Cooldown: logic.DefaultResetCooldown,
		},
		LED: LEDConfig{
			Red:   pins.Red,
			Green: pins.Green,
			Blue:  pins.Blue,
		},
		Storage: StorageConfig{
			Engine:        store.EngineSQLite,
			Namespace:     store.DefaultNamespace,
			CommitTimeout: store.DefaultCommitTimeout,
		},
		Loop: LoopConfig{
			Period:    logic.DefaultInterval,
			Indicator: DefaultIndicatorPeriod,
		},
		MQTT: MQTTConfig{
			ClientID: AppName,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path, a .env file in
// the working directory and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	fc, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg.ApplyFile(fc)

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Pins returns the GPIO wiring.
func (c Config) Pins() gpio.Pins {
	return gpio.Pins{
		Chip:  c.Sensor.Chip,
		Flow:  c.Sensor.Pin,
		Reset: c.Reset.Pin,
		Red:   c.LED.Red,
		Green: c.LED.Green,
		Blue:  c.LED.Blue,
	}
}

// StoreConfig returns the store settings with the default path filled in.
func (c Config) StoreConfig() store.Config {
	path := c.Storage.Path
	if path == "" {
		path = store.DefaultPath(DefaultDataDir(), c.Storage.Engine)
	}
	return store.Config{
		Engine:    c.Storage.Engine,
		Path:      path,
		Namespace: c.Storage.Namespace,
	}
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if err := logic.ValidateCalibration(c.Sensor.KFactor); err != nil {
		return fmt.Errorf("%w: sensor.k-factor: %v", ErrInvalid, err)
	}
	if c.Loop.Period <= 0 {
		return fmt.Errorf("%w: loop.period must be > 0, got %v", ErrInvalid, c.Loop.Period)
	}
	if c.Loop.Indicator <= 0 {
		return fmt.Errorf("%w: loop.indicator must be > 0, got %v", ErrInvalid, c.Loop.Indicator)
	}
	if c.Reset.Cooldown < 0 {
		return fmt.Errorf("%w: reset.cooldown must be >= 0, got %v", ErrInvalid, c.Reset.Cooldown)
	}
	if c.Reset.Stable < 0 {
		return fmt.Errorf("%w: reset.stable must be >= 0, got %v", ErrInvalid, c.Reset.Stable)
	}
	if c.Storage.CommitTimeout < 0 {
		return fmt.Errorf("%w: storage.commit-timeout must be >= 0, got %v", ErrInvalid, c.Storage.CommitTimeout)
	}
	switch c.Storage.Engine {
	case store.EngineSQLite, store.EngineBadger, store.EngineMemory, EngineNone:
	default:
		return fmt.Errorf("%w: storage.engine %q (want sqlite, badger, memory or none)", ErrInvalid, c.Storage.Engine)
	}
	if strings.TrimSpace(c.Device.Name) == "" {
		return fmt.Errorf("%w: device.name is empty", ErrInvalid)
	}
	for name, pin := range map[string]int{
		"sensor.pin": c.Sensor.Pin, "reset.pin": c.Reset.Pin,
		"led.red": c.LED.Red, "led.green": c.LED.Green, "led.blue": c.LED.Blue,
	} {
		if pin < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalid, name, pin)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log.format %q (want console or json)", ErrInvalid, c.Log.Format)
	}
	return nil
}

// FileConfig represents the TOML configuration file. Unset keys are nil.
type FileConfig struct {
	Device struct {
		Name     *string `toml:"name"`
		Position *string `toml:"position"`
	} `toml:"device"`
	Sensor struct {
		Chip    *string  `toml:"chip"`
		Pin     *int     `toml:"pin"`
		KFactor *float64 `toml:"k-factor"`
	} `toml:"sensor"`
	Reset struct {
		Pin      *int           `toml:"pin"`
		Cooldown *time.Duration `toml:"cooldown"`
		Stable   *time.Duration `toml:"stable"`
	} `toml:"reset"`
	LED struct {
		Red   *int `toml:"red"`
		Green *int `toml:"green"`
		Blue  *int `toml:"blue"`
	} `toml:"led"`
	Storage struct {
		Engine        *string        `toml:"engine"`
		Path          *string        `toml:"path"`
		Namespace     *string        `toml:"namespace"`
		CommitTimeout *time.Duration `toml:"commit-timeout"`
	} `toml:"storage"`
	Loop struct {
		Period    *time.Duration `toml:"period"`
		Indicator *time.Duration `toml:"indicator"`
	} `toml:"loop"`
	MQTT struct {
		Broker   *string `toml:"broker"`
		ClientID *string `toml:"client-id"`
	} `toml:"mqtt"`
	HTTP struct {
		Addr *string `toml:"addr"`
	} `toml:"http"`
	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

// LoadFile reads a TOML config from the given path. Missing file is not an error.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var fc FileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return FileConfig{}, fmt.Errorf("%w: decode %s: %v", ErrInvalid, path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return FileConfig{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undec[0].String(), path)
	}
	return fc, nil
}

// ApplyFile overlays every key set in fc.
func (c *Config) ApplyFile(fc FileConfig) {
	setString(&c.Device.Name, fc.Device.Name)
	setString(&c.Device.Position, fc.Device.Position)
	setString(&c.Sensor.Chip, fc.Sensor.Chip)
	setInt(&c.Sensor.Pin, fc.Sensor.Pin)
	setFloat(&c.Sensor.KFactor, fc.Sensor.KFactor)
	setInt(&c.Reset.Pin, fc.Reset.Pin)
	setDuration(&c.Reset.Cooldown, fc.Reset.Cooldown)
	setDuration(&c.Reset.Stable, fc.Reset.Stable)
	setInt(&c.LED.Red, fc.LED.Red)
	setInt(&c.LED.Green, fc.LED.Green)
	setInt(&c.LED.Blue, fc.LED.Blue)
	setString(&c.Storage.Engine, fc.Storage.Engine)
	setString(&c.Storage.Path, fc.Storage.Path)
	setString(&c.Storage.Namespace, fc.Storage.Namespace)
	setDuration(&c.Storage.CommitTimeout, fc.Storage.CommitTimeout)
	setDuration(&c.Loop.Period, fc.Loop.Period)
	setDuration(&c.Loop.Indicator, fc.Loop.Indicator)
	setString(&c.MQTT.Broker, fc.MQTT.Broker)
	setString(&c.MQTT.ClientID, fc.MQTT.ClientID)
	setString(&c.HTTP.Addr, fc.HTTP.Addr)
	setString(&c.Log.Level, fc.Log.Level)
	setString(&c.Log.Format, fc.Log.Format)
}

// ApplyEnv overlays FLOW_* environment variables. Empty variables are
// ignored, so MQTT and HTTP can only be disabled from the file or flags.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"FLOW_DEVICE_NAME":       &c.Device.Name,
		"FLOW_DEVICE_POSITION":   &c.Device.Position,
		"FLOW_SENSOR_CHIP":       &c.Sensor.Chip,
		"FLOW_STORAGE_ENGINE":    &c.Storage.Engine,
		"FLOW_STORAGE_PATH":      &c.Storage.Path,
		"FLOW_STORAGE_NAMESPACE": &c.Storage.Namespace,
		"FLOW_MQTT_BROKER":       &c.MQTT.Broker,
		"FLOW_MQTT_CLIENT_ID":    &c.MQTT.ClientID,
		"FLOW_HTTP_ADDR":         &c.HTTP.Addr,
		"FLOW_LOG_LEVEL":         &c.Log.Level,
		"FLOW_LOG_FORMAT":        &c.Log.Format,
	}
	for key, target := range strs {
		*target = getEnv(key, *target)
	}

	ints := map[string]*int{
		"FLOW_SENSOR_PIN": &c.Sensor.Pin,
		"FLOW_RESET_PIN":  &c.Reset.Pin,
		"FLOW_LED_RED":    &c.LED.Red,
		"FLOW_LED_GREEN":  &c.LED.Green,
		"FLOW_LED_BLUE":   &c.LED.Blue,
	}
	for key, target := range ints {
		if v := getEnv(key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			*target = n
		}
	}

	if v := getEnv("FLOW_SENSOR_K_FACTOR", ""); v != "" {
		k, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: FLOW_SENSOR_K_FACTOR: %v", ErrInvalid, err)
		}
		c.Sensor.KFactor = k
	}

	durs := map[string]*time.Duration{
		"FLOW_RESET_COOLDOWN":         &c.Reset.Cooldown,
		"FLOW_RESET_STABLE":           &c.Reset.Stable,
		"FLOW_STORAGE_COMMIT_TIMEOUT": &c.Storage.CommitTimeout,
		"FLOW_LOOP_PERIOD":            &c.Loop.Period,
		"FLOW_LOOP_INDICATOR":         &c.Loop.Indicator,
	}
	for key, target := range durs {
		if v := getEnv(key, ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			*target = d
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func setString(target, value *string) {
	if value != nil {
		*target = *value
	}
}

func setInt(target, value *int) {
	if value != nil {
		*target = *value
	}
}

func setFloat(target, value *float64) {
	if value != nil {
		*target = *value
	}
}

func setDuration(target, value *time.Duration) {
	if value != nil {
		*target = *value
	}
}

// Template returns a commented TOML file listing every key and its default.
func Template() string {
	d := Default()
	return fmt.Sprintf(`# flow-sensor configuration
# Uncomment a value to change it. FLOW_* environment variables override
# this file; command-line flags override both.

[device]
# name = %q
# position = %q         # fixed lat,lon label

[sensor]
# chip = %q
# pin = %d                   # flow sensor pulse line
# k-factor = %g             # pulses per second per L/min

[reset]
# pin = %d                   # active-low button
# cooldown = %q          # ignore the button this long after a reset
# stable = %q              # require a press to hold this long (0 = level check)

[led]
# red = %d
# green = %d
# blue = %d

[storage]
# engine = %q           # sqlite, badger, memory or none
# path = ""                  # default under %s
# namespace = %q
# commit-timeout = %q      # 0 waits forever

[loop]
# period = %q              # integration interval
# indicator = %q       # LED refresh interval

[mqtt]
# broker = ""                # e.g. "tcp://192.168.1.200:1883"; empty disables
# client-id = %q

[http]
# addr = ""                  # e.g. ":8080"; empty disables

[log]
# level = %q              # debug, info, warn, error
# format = %q          # console or json
`,
		d.Device.Name, d.Device.Position,
		d.Sensor.Chip, d.Sensor.Pin, d.Sensor.KFactor,
		d.Reset.Pin, d.Reset.Cooldown.String(), d.Reset.Stable.String(),
		d.LED.Red, d.LED.Green, d.LED.Blue,
		d.Storage.Engine, DefaultDataDir(), d.Storage.Namespace, d.Storage.CommitTimeout.String(),
		d.Loop.Period.String(), d.Loop.Indicator.String(),
		d.MQTT.ClientID,
		d.Log.Level, d.Log.Format,
	)
}
