package blockstore

import (
	"strconv"

	"github.com/pkg/errors"

	"bedrock/internal/journal"
)

// DiskAlignment is the required alignment of operation offsets and lengths
// and of every region offset. It matches the journal sector size.
const DiskAlignment = 512

const (
	// DefaultBlockOrder gives 128 KiB blocks.
	DefaultBlockOrder = 17
	MaxBlockSize      = 128 << 20

	DefaultJournalSize        = 16 << 20
	DefaultSectorBufferCount  = 32
	cleanEntrySize            = 32
	defaultMetaScanChunkBytes = 1 << 20
)

// Config is the parsed form of the string-map configuration the engine is
// constructed with.
type Config struct {
	DataDevice    string
	MetaDevice    string
	JournalDevice string

	DataOffset uint64
	DataSize   uint64
	MetaOffset uint64
	MetaSize   uint64

	JournalOffset uint64
	JournalSize   uint64

	BlockOrder uint
	BlockSize  uint32
	BlockCount uint64

	SectorBufferCount int
	DisableFsync      bool
}

// ParseConfig validates a string-map configuration and computes the region
// lengths. data_size is required for regular files only when the file should
// not be used whole.
func ParseConfig(conf map[string]string) (Config, error) {
	var cfg Config
	var err error

	cfg.DataDevice = conf["data_device"]
	if cfg.DataDevice == "" {
		return cfg, errors.New("data_device is required")
	}
	cfg.MetaDevice = conf["meta_device"]
	if cfg.MetaDevice == "" {
		cfg.MetaDevice = cfg.DataDevice
	}
	cfg.JournalDevice = conf["journal_device"]
	if cfg.JournalDevice == "" {
		cfg.JournalDevice = cfg.MetaDevice
	}

	if cfg.DataOffset, err = parseUint(conf, "data_offset", 0); err != nil {
		return cfg, err
	}
	if cfg.DataSize, err = parseUint(conf, "data_size", 0); err != nil {
		return cfg, err
	}
	if cfg.MetaOffset, err = parseUint(conf, "meta_offset", 0); err != nil {
		return cfg, err
	}
	if cfg.MetaSize, err = parseUint(conf, "meta_size", 0); err != nil {
		return cfg, err
	}
	if cfg.JournalOffset, err = parseUint(conf, "journal_offset", 0); err != nil {
		return cfg, err
	}
	if cfg.JournalSize, err = parseUint(conf, "journal_size", DefaultJournalSize); err != nil {
		return cfg, err
	}

	order, err := parseUint(conf, "block_order", DefaultBlockOrder)
	if err != nil {
		return cfg, err
	}
	cfg.BlockOrder = uint(order)
	if cfg.BlockOrder < 9 || cfg.BlockOrder > 27 {
		// 512 bytes up to MaxBlockSize.
		return cfg, errors.Errorf("block_order %d out of range", cfg.BlockOrder)
	}
	cfg.BlockSize = 1 << cfg.BlockOrder

	sectors, err := parseUint(conf, "journal_sector_buffer_count", DefaultSectorBufferCount)
	if err != nil {
		return cfg, err
	}
	if sectors < 2 {
		sectors = 2
	}
	cfg.SectorBufferCount = int(sectors)

	switch conf["disable_fsync"] {
	case "", "0", "false", "no":
	case "1", "true", "yes":
		cfg.DisableFsync = true
	default:
		return cfg, errors.Errorf("disable_fsync: unrecognized value %q", conf["disable_fsync"])
	}

	for _, check := range []struct {
		name  string
		value uint64
	}{
		{"data_offset", cfg.DataOffset},
		{"data_size", cfg.DataSize},
		{"meta_offset", cfg.MetaOffset},
		{"journal_offset", cfg.JournalOffset},
		{"journal_size", cfg.JournalSize},
	} {
		if check.value%DiskAlignment != 0 {
			return cfg, errors.Errorf("%s must be a multiple of %d", check.name, DiskAlignment)
		}
	}
	if cfg.JournalSize < 4*journal.SectorSize {
		return cfg, errors.Errorf("journal_size %d too small", cfg.JournalSize)
	}
	return cfg, nil
}

// Finish derives the block count and the metadata length once the data
// region size is known (from config or device probing).
func (cfg *Config) Finish() error {
	if cfg.DataSize < uint64(cfg.BlockSize) {
		return errors.Errorf("data region of %d bytes holds no %d-byte blocks",
			cfg.DataSize, cfg.BlockSize)
	}
	cfg.BlockCount = cfg.DataSize / uint64(cfg.BlockSize)

	need := cfg.BlockCount * cleanEntrySize
	if rem := need % DiskAlignment; rem != 0 {
		need += DiskAlignment - rem
	}
	if cfg.MetaSize == 0 {
		cfg.MetaSize = need
	} else if cfg.MetaSize < need {
		return errors.Errorf("meta_size %d below required %d", cfg.MetaSize, need)
	}
	return nil
}

func parseUint(conf map[string]string, key string, def uint64) (uint64, error) {
	s, ok := conf[key]
	if !ok || s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return v, nil
}
