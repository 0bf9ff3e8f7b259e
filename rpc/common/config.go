package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/segcache/lib/db/engines/seg"
)

// Version is reported by the version command of the server and the cli
const Version = "1.0.0"

// --------------------------------------------------------------------------
// Formatting helpers
// --------------------------------------------------------------------------

// table renders config sections as aligned "name: value" lines
type table struct {
	sb strings.Builder
}

func (t *table) section(title string) {
	t.sb.WriteString("\n")
	t.sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
}

func (t *table) field(name, value string) {
	t.sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
}

// FormatBytes renders a byte count with a binary unit (e.g. 64 MiB)
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d %ciB", int64(value), "KMGTP"[exp])
	}
	return fmt.Sprintf("%.1f %ciB", value, "KMGTP"[exp])
}

// --------------------------------------------------------------------------
// Engine configuration struct
// --------------------------------------------------------------------------

// EngineConfig configures the segment cache of a server
type EngineConfig struct {
	TotalMemoryBytes   int64
	SegmentSizeBytes   int
	HashIndexPower     uint8
	TTLBucketCount     int
	TTLBucketWidth     time.Duration
	EvictionMergeWidth int
	EvictionPolicy     string
	MaxValueSize       int
	ExpireInterval     time.Duration
}

// DefaultEngineConfig returns the engine defaults
func DefaultEngineConfig() EngineConfig {
	opts := seg.DefaultOptions()
	return EngineConfig{
		TotalMemoryBytes:   opts.TotalMemoryBytes,
		SegmentSizeBytes:   opts.SegmentSizeBytes,
		HashIndexPower:     opts.HashIndexPower,
		TTLBucketCount:     opts.TTLBucketCount,
		TTLBucketWidth:     opts.TTLBucketWidth,
		EvictionMergeWidth: opts.EvictionMergeWidth,
		EvictionPolicy:     string(opts.EvictionPolicy),
		MaxValueSize:       opts.MaxValueSize,
		ExpireInterval:     opts.ExpireInterval,
	}
}

// ToSegOptions converts the EngineConfig to the options of the segment cache
func (c *EngineConfig) ToSegOptions() (*seg.Options, error) {
	policy, err := seg.ParseEvictionPolicy(c.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	return &seg.Options{
		TotalMemoryBytes:   c.TotalMemoryBytes,
		SegmentSizeBytes:   c.SegmentSizeBytes,
		HashIndexPower:     c.HashIndexPower,
		TTLBucketCount:     c.TTLBucketCount,
		TTLBucketWidth:     c.TTLBucketWidth,
		EvictionMergeWidth: c.EvictionMergeWidth,
		EvictionPolicy:     policy,
		MaxValueSize:       c.MaxValueSize,
		ExpireInterval:     c.ExpireInterval,
	}, nil
}

// String returns a formatted string representation of the engine configuration
func (c *EngineConfig) String() string {
	var t table
	c.write(&t)
	return t.sb.String()
}

func (c *EngineConfig) write(t *table) {
	t.section("Storage Engine")
	t.field("Total Memory", FormatBytes(c.TotalMemoryBytes))
	t.field("Segment Size", FormatBytes(int64(c.SegmentSizeBytes)))
	if c.SegmentSizeBytes > 0 {
		t.field("Segments", strconv.FormatInt(c.TotalMemoryBytes/int64(c.SegmentSizeBytes), 10))
	}
	t.field("Hash Index Buckets", fmt.Sprintf("2^%d", c.HashIndexPower))
	t.field("TTL Buckets", fmt.Sprintf("%d x %s", c.TTLBucketCount, c.TTLBucketWidth))
	t.field("Eviction Policy", c.EvictionPolicy)
	t.field("Merge Width", strconv.Itoa(c.EvictionMergeWidth))
	t.field("Max Value Size", FormatBytes(int64(c.MaxValueSize)))
	t.field("Expire Interval", c.ExpireInterval.String())
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a cache server
type ServerConfig struct {
	// cache port
	Endpoint  string
	Transport string // tcp or unix

	// admin ports, empty disables them
	AdminEndpoint     string
	AdminHTTPEndpoint string

	// session settings
	TimeoutSecond   int64 // idle timeout of a session, 0 disables it
	MaxConnections  int64
	BufferSize      int
	TCPNoDelay      bool
	TCPKeepAliveSec int

	// Logging configuration
	LogLevel  string
	LogFormat string // console or json

	Engine EngineConfig
}

// DefaultServerConfig returns a configuration that serves memcache on the
// default port
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Endpoint:          "0.0.0.0:12321",
		Transport:         "tcp",
		AdminEndpoint:     "0.0.0.0:9999",
		AdminHTTPEndpoint: "0.0.0.0:9998",
		TimeoutSecond:     0,
		MaxConnections:    1024,
		BufferSize:        16 << 10,
		TCPNoDelay:        true,
		LogLevel:          "info",
		LogFormat:         "console",
		Engine:            DefaultEngineConfig(),
	}
}

// Validate checks the settings that can not be checked by the engine
func (c *ServerConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if c.Transport != "tcp" && c.Transport != "unix" {
		return fmt.Errorf("invalid transport %q (expected one of: tcp, unix)", c.Transport)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.BufferSize < 1024 {
		return fmt.Errorf("buffer size must be at least 1 KiB, got %d", c.BufferSize)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q (expected one of: console, json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	_, err := seg.ParseEvictionPolicy(c.Engine.EvictionPolicy)
	return err
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var t table

	disabled := func(s string) string {
		if s == "" {
			return "disabled"
		}
		return s
	}

	// cache settings
	t.section("Cache Server")
	t.field("Endpoint", c.Endpoint)
	t.field("Transport", c.Transport)
	t.field("Admin Endpoint", disabled(c.AdminEndpoint))
	t.field("Admin HTTP Endpoint", disabled(c.AdminHTTPEndpoint))

	// session settings
	t.section("Sessions")
	t.field("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	t.field("Max Connections", strconv.FormatInt(c.MaxConnections, 10))
	t.field("Buffer Size", FormatBytes(int64(c.BufferSize)))
	if c.Transport == "tcp" {
		t.field("TCP No Delay", strconv.FormatBool(c.TCPNoDelay))
		t.field("TCP Keep Alive", fmt.Sprintf("%d sec", c.TCPKeepAliveSec))
	}

	// Logging configuration
	t.section("Logging")
	t.field("Log Level", c.LogLevel)
	t.field("Log Format", c.LogFormat)

	c.Engine.write(&t)
	return t.sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures the memcache client of the cli
type ClientConfig struct {
	Endpoint      string
	TimeoutSecond int
	Connections   int
}

// Timeout returns the timeout as duration
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var t table
	t.section("Client Configuration")
	t.field("Endpoint", c.Endpoint)
	t.field("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	t.field("Connections", strconv.Itoa(max(1, c.Connections)))
	return t.sb.String()
}
