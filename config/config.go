// Package config loads engine settings: built-in defaults, overlaid by a
// YAML file, overlaid by SOFTSDR_* environment variables, then validated.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
	"github.com/ardnew/softsdr/transport/pcie"
	"github.com/ardnew/softsdr/transport/sim"
	"github.com/ardnew/softsdr/transport/usb"
)

// EnvFile names the variable holding a config file path used when Load is
// given none.
const EnvFile = "SOFTSDR_CONFIG"

// Config is the complete engine configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Stream StreamConfig `yaml:"stream"`
	USB    USBConfig    `yaml:"usb"`
	PCIe   PCIeConfig   `yaml:"pcie"`
	Sim    SimConfig    `yaml:"sim"`
}

// LogConfig controls engine logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables size-based rotation into the named file. Empty logs to
	// stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// StreamConfig describes the stream the CLI opens.
type StreamConfig struct {
	Transport string `yaml:"transport"`
	Direction string `yaml:"direction"`
	Format    string `yaml:"format"`
	Channels  int    `yaml:"channels"`
	Symbols   int    `yaml:"symbols"`
	Slots     int    `yaml:"slots"`
	Channel   int    `yaml:"channel"`
	TimeoutMs int    `yaml:"timeoutMs"`
	PollFD    bool   `yaml:"pollFd"`
	// Mlock pins heap-backed pools.
	Mlock bool `yaml:"mlock"`
}

// USBConfig configures the bulk transport.
type USBConfig struct {
	// Device is the usbfs node. Empty selects the first device matching
	// VendorID and ProductID.
	Device          string `yaml:"device"`
	VendorID        int    `yaml:"vendorId"`
	ProductID       int    `yaml:"productId"`
	Interfaces      []int  `yaml:"interfaces"`
	RxEndpoint      int    `yaml:"rxEndpoint"`
	TxEndpoint      int    `yaml:"txEndpoint"`
	RxRequests      int    `yaml:"rxRequests"`
	TxRequests      int    `yaml:"txRequests"`
	MinTransfer     int    `yaml:"minTransfer"`
	MaxRxBlockSize  int    `yaml:"maxRxBlockSize"`
	ExtendedTrailer bool   `yaml:"extendedTrailer"`
	Continuation    bool   `yaml:"continuation"`
}

// PCIeConfig configures the DMA transport. Device "sim" selects the
// in-memory bucket device.
type PCIeConfig struct {
	Device         string `yaml:"device"`
	TxBase         int    `yaml:"txBase"`
	Claim          bool   `yaml:"claim"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	OOBRecords     int    `yaml:"oobRecords"`
	Trailer        bool   `yaml:"trailer"`
	MinBlockSize   int    `yaml:"minBlockSize"`
	BucketEntries  int    `yaml:"bucketEntries"`
	AckEvery       int    `yaml:"ackEvery"`
	ControlEvent   int    `yaml:"controlEvent"`
	ControlLimit   int    `yaml:"controlLimit"`
}

// SimConfig configures the simulated transport.
type SimConfig struct {
	Loopback   bool `yaml:"loopback"`
	DelayUs    int  `yaml:"delayUs"`
	QueueDepth int  `yaml:"queueDepth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "warn",
			Format:     "text",
			MaxSizeMB:  16,
			MaxBackups: 4,
			MaxAgeDays: 28,
		},
		Stream: StreamConfig{
			Transport: "sim",
			Direction: "rx",
			Format:    "ci16",
			Channels:  1,
			Symbols:   4096,
			Slots:     32,
			TimeoutMs: 1000,
		},
		USB: USBConfig{
			Interfaces:     []int{0},
			RxEndpoint:     0x81,
			TxEndpoint:     0x01,
			RxRequests:     usb.DefaultRxRequests,
			TxRequests:     usb.DefaultTxRequests,
			MinTransfer:    usb.DefaultMinTransfer,
			MaxRxBlockSize: 1 << 20,
			Continuation:   true,
		},
		PCIe: PCIeConfig{
			Device:         "/dev/usdr0",
			TxBase:         1,
			PollIntervalMs: 100,
			OOBRecords:     64,
			MinBlockSize:   pcie.DefaultMinBlockSize,
			BucketEntries:  256,
			AckEvery:       32,
			ControlEvent:   pcie.DefaultControlEvent,
			ControlLimit:   event.DefaultControlLimit,
		},
		Sim: SimConfig{
			Loopback:   true,
			QueueDepth: 256,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $SOFTSDR_CONFIG when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentConfig, "configuration loaded", "file", path,
		"transport", cfg.Stream.Transport)
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return c.Parse(data)
}

// Parse overlays YAML data onto c. Unknown keys are rejected.
func (c *Config) Parse(data []byte) error {
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("%w: config: %v", pkg.ErrInvalidParameter, err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from SOFTSDR_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 0)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", pkg.ErrInvalidParameter, key, v)
		}
		*dst = int(n)
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q", pkg.ErrInvalidParameter, key, v)
		}
		*dst = b
		return nil
	}

	str("SOFTSDR_LOG_LEVEL", &c.Log.Level)
	str("SOFTSDR_LOG_FORMAT", &c.Log.Format)
	str("SOFTSDR_LOG_FILE", &c.Log.File)
	str("SOFTSDR_TRANSPORT", &c.Stream.Transport)
	str("SOFTSDR_DIRECTION", &c.Stream.Direction)
	str("SOFTSDR_FORMAT", &c.Stream.Format)
	str("SOFTSDR_USB_DEVICE", &c.USB.Device)
	str("SOFTSDR_PCIE_DEVICE", &c.PCIe.Device)

	for key, dst := range map[string]*int{
		"SOFTSDR_SLOTS":              &c.Stream.Slots,
		"SOFTSDR_SYMBOLS":            &c.Stream.Symbols,
		"SOFTSDR_CHANNELS":           &c.Stream.Channels,
		"SOFTSDR_TIMEOUT_MS":         &c.Stream.TimeoutMs,
		"SOFTSDR_USB_RX_REQUESTS":    &c.USB.RxRequests,
		"SOFTSDR_USB_VENDOR_ID":      &c.USB.VendorID,
		"SOFTSDR_USB_PRODUCT_ID":     &c.USB.ProductID,
		"SOFTSDR_PCIE_ACK_EVERY":     &c.PCIe.AckEvery,
		"SOFTSDR_PCIE_CONTROL_LIMIT": &c.PCIe.ControlLimit,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := flag("SOFTSDR_SIM_LOOPBACK", &c.Sim.Loopback); err != nil {
		return err
	}
	return flag("SOFTSDR_PCIE_TRAILER", &c.PCIe.Trailer)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", pkg.ErrInvalidParameter, c.Log.Level)
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, c.Log.Format)
	}

	switch c.Stream.Transport {
	case "usb", "pcie", "sim":
	default:
		return fmt.Errorf("%w: transport %q", pkg.ErrInvalidParameter, c.Stream.Transport)
	}
	if _, err := c.Stream.Dir(); err != nil {
		return err
	}
	if _, err := stream.ParseSampleFormat(c.Stream.Format); err != nil {
		return err
	}
	if !ring.IsPowerOfTwo(c.Stream.Slots) {
		return fmt.Errorf("%w: slots %d is not a power of two", pkg.ErrInvalidParameter, c.Stream.Slots)
	}
	if c.Stream.Channels <= 0 || c.Stream.Symbols <= 0 {
		return fmt.Errorf("%w: %d channels x %d symbols", pkg.ErrInvalidParameter,
			c.Stream.Channels, c.Stream.Symbols)
	}
	if c.Stream.Channel < 0 || c.Stream.Channel >= pcie.MaxStreams {
		return fmt.Errorf("%w: stream channel %d", pkg.ErrInvalidParameter, c.Stream.Channel)
	}

	if c.USB.VendorID < 0 || c.USB.VendorID > 0xffff || c.USB.ProductID < 0 || c.USB.ProductID > 0xffff {
		return fmt.Errorf("%w: usb id %#x:%#x", pkg.ErrInvalidParameter, c.USB.VendorID, c.USB.ProductID)
	}
	for _, ep := range []int{c.USB.RxEndpoint, c.USB.TxEndpoint} {
		if ep < 0 || ep > 0xff {
			return fmt.Errorf("%w: endpoint %#x", pkg.ErrInvalidParameter, ep)
		}
	}
	if c.USB.RxEndpoint&0x80 == 0 {
		return fmt.Errorf("%w: rx endpoint %#x is not IN", pkg.ErrInvalidParameter, c.USB.RxEndpoint)
	}
	for _, i := range c.USB.Interfaces {
		if i < 0 || i > 0xff {
			return fmt.Errorf("%w: interface %d", pkg.ErrInvalidParameter, i)
		}
	}

	if !ring.IsPowerOfTwo(c.PCIe.BucketEntries) {
		return fmt.Errorf("%w: bucket entries %d is not a power of two", pkg.ErrInvalidParameter, c.PCIe.BucketEntries)
	}
	if c.PCIe.AckEvery <= 0 || c.PCIe.AckEvery > c.PCIe.BucketEntries {
		return fmt.Errorf("%w: ack every %d of %d entries", pkg.ErrInvalidParameter,
			c.PCIe.AckEvery, c.PCIe.BucketEntries)
	}
	if c.PCIe.ControlEvent >= pcie.DefaultNumEvents || c.PCIe.ControlLimit < 0 {
		return fmt.Errorf("%w: control event %d limit %d", pkg.ErrInvalidParameter,
			c.PCIe.ControlEvent, c.PCIe.ControlLimit)
	}
	if c.PCIe.ControlEvent >= 0 && c.PCIe.ControlEvent < 2*pcie.MaxStreams {
		return fmt.Errorf("%w: control event %d collides with stream events", pkg.ErrInvalidParameter,
			c.PCIe.ControlEvent)
	}
	return nil
}

// Dir parses the stream direction.
func (s StreamConfig) Dir() (stream.Direction, error) {
	switch strings.ToLower(s.Direction) {
	case "rx":
		return stream.RX, nil
	case "tx":
		return stream.TX, nil
	}
	return 0, fmt.Errorf("%w: direction %q", pkg.ErrInvalidParameter, s.Direction)
}

// Timeout returns the wait timeout; zero or negative waits forever.
func (s StreamConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return -1
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Flags returns the stream flags implied by the section.
func (s StreamConfig) Flags() stream.Flags {
	var f stream.Flags
	if s.PollFD {
		f |= stream.FlagPollFD
	}
	return f
}

// TransportConfig converts the section to a bulk transport config.
func (u USBConfig) TransportConfig() usb.Config {
	return usb.Config{
		RxEndpoint:      uint8(u.RxEndpoint),
		TxEndpoint:      uint8(u.TxEndpoint),
		RxRequests:      u.RxRequests,
		TxRequests:      u.TxRequests,
		MinTransfer:     u.MinTransfer,
		ExtendedTrailer: u.ExtendedTrailer,
		MaxRxBlockSize:  u.MaxRxBlockSize,
	}
}

// InterfaceNumbers returns the interfaces to claim.
func (u USBConfig) InterfaceNumbers() []uint8 {
	out := make([]uint8, len(u.Interfaces))
	for i, n := range u.Interfaces {
		out[i] = uint8(n)
	}
	return out
}

// TransportConfig converts the section to a DMA transport config.
func (p PCIeConfig) TransportConfig() pcie.Config {
	return pcie.Config{
		Events: event.ChannelConfig{
			NumEvents:    pcie.DefaultNumEvents,
			ControlEvent: p.ControlEvent,
			ControlLimit: uint32(p.ControlLimit),
		},
		Bucket: event.BucketConfig{
			Entries:  p.BucketEntries,
			AckEvery: p.AckEvery,
		},
		Trailer:      p.Trailer,
		MinBlockSize: p.MinBlockSize,
	}
}

// PollInterval returns the kernel wait slice.
func (p PCIeConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// TransportConfig converts the section to a simulated transport config.
func (s SimConfig) TransportConfig() sim.Config {
	return sim.Config{
		Loopback:   s.Loopback,
		Delay:      time.Duration(s.DelayUs) * time.Microsecond,
		QueueDepth: s.QueueDepth,
	}
}

// Apply configures pkg logging from the section. With File set, output is
// rotated by lumberjack and the returned closer flushes it.
func (l LogConfig) Apply(stderr io.Writer) (io.Closer, error) {
	level, err := pkg.ParseLogLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", pkg.ErrInvalidParameter, l.Level)
	}
	format, err := pkg.ParseLogFormat(l.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, l.Format)
	}
	pkg.SetLogLevel(level)
	if l.File == "" {
		pkg.SetLogOutput(stderr, format)
		return nopCloser{}, nil
	}
	w := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
	pkg.SetLogOutput(w, format)
	return w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
