package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/timing"
)

// ErrConfig is returned for a configuration value that cannot be used.
var ErrConfig = errors.New("server: invalid configuration")

// The environment keys read by LoadConfig.
const (
	EnvTotalPages       = "VMSERVER_TOTAL_PAGES"
	EnvReservedFraction = "VMSERVER_RESERVED_FRACTION"
	EnvHighWatermark    = "VMSERVER_HIGH_WATERMARK"
	EnvLowWatermark     = "VMSERVER_LOW_WATERMARK"
	EnvPageFileSlots    = "VMSERVER_PAGEFILE_SLOTS"
	EnvPageFilePath     = "VMSERVER_PAGEFILE_PATH"
	EnvIOLatency        = "VMSERVER_IO_LATENCY"
	EnvMaxTransfer      = "VMSERVER_MAX_TRANSFER"
	EnvLogLevel         = "VMSERVER_LOG_LEVEL"
)

// Config holds the boot parameters of a server.
type Config struct {
	// TotalPages is the size of physical memory in pages.
	TotalPages int

	// ReservedFraction of physical memory is kept away from the frame table.
	ReservedFraction float64

	// HighWatermark and LowWatermark bound the frame recycling buffer.
	HighWatermark int
	LowWatermark  int

	// PageFileSlots is the number of page-sized slots in the page file.
	PageFileSlots int

	// PageFilePath is the host file that backs the page file. The page
	// file is kept in memory when it is empty.
	PageFilePath string

	// IOLatency is the virtual time a page file transfer takes.
	IOLatency timing.VTimeInSec

	// MaxTransfer caps the bytes moved by one device request. Zero means
	// no cap.
	MaxTransfer int

	LogLevel slog.Level
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		TotalPages:       1024,
		ReservedFraction: 0.125,
		HighWatermark:    64,
		LowWatermark:     16,
		PageFileSlots:    4096,
		IOLatency:        0.0001,
		LogLevel:         slog.LevelInfo,
	}
}

// Validate checks that the configuration describes a server that can boot.
func (c Config) Validate() error {
	switch {
	case c.TotalPages <= 0:
		return fmt.Errorf("%w: total pages %d", ErrConfig, c.TotalPages)
	case c.ReservedFraction < 0 || c.ReservedFraction >= 1:
		return fmt.Errorf("%w: reserved fraction %g",
			ErrConfig, c.ReservedFraction)
	case c.LowWatermark < 0 || c.HighWatermark <= c.LowWatermark:
		return fmt.Errorf("%w: watermarks %d/%d",
			ErrConfig, c.HighWatermark, c.LowWatermark)
	case c.PageFileSlots <= 0:
		return fmt.Errorf("%w: page file slots %d", ErrConfig, c.PageFileSlots)
	case c.IOLatency < 0:
		return fmt.Errorf("%w: i/o latency %g", ErrConfig, c.IOLatency)
	case c.MaxTransfer < 0:
		return fmt.Errorf("%w: max transfer %d", ErrConfig, c.MaxTransfer)
	}

	return nil
}

// PageFileBytes returns the size of the page file.
func (c Config) PageFileBytes() int64 {
	return int64(c.PageFileSlots) * vm.PageSize
}

// LoadConfig starts from DefaultConfig, applies the values found in the
// given dotenv files and then the process environment, which wins. Without
// files, a .env file in the working directory is used if there is one.
func LoadConfig(files ...string) (Config, error) {
	values, err := readEnvFiles(files)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := values[key]

		return v, ok
	}

	c := DefaultConfig()

	parsers := []struct {
		key   string
		apply func(string) error
	}{
		{EnvTotalPages, intInto(&c.TotalPages)},
		{EnvReservedFraction, floatInto(&c.ReservedFraction)},
		{EnvHighWatermark, intInto(&c.HighWatermark)},
		{EnvLowWatermark, intInto(&c.LowWatermark)},
		{EnvPageFileSlots, intInto(&c.PageFileSlots)},
		{EnvPageFilePath, func(s string) error { c.PageFilePath = s; return nil }},
		{EnvIOLatency, floatInto(&c.IOLatency)},
		{EnvMaxTransfer, intInto(&c.MaxTransfer)},
		{EnvLogLevel, func(s string) error {
			return c.LogLevel.UnmarshalText([]byte(s))
		}},
	}

	for _, p := range parsers {
		s, ok := lookup(p.key)
		if !ok {
			continue
		}

		if err := p.apply(s); err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrConfig, p.key, s, err)
		}
	}

	return c, c.Validate()
}

func readEnvFiles(files []string) (map[string]string, error) {
	if len(files) > 0 {
		values, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("reading config files: %w", err)
		}

		return values, nil
	}

	values, err := godotenv.Read()
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	return values, nil
}

func intInto(dst *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}

		*dst = v

		return nil
	}
}

func floatInto(dst *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}

		*dst = v

		return nil
	}
}
