// Command bedrock is the operator tool for blockstore devices: it formats
// the metadata and journal regions and inspects what a store would recover
// from them.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"bedrock/internal/device"
	"bedrock/internal/journal"
	"bedrock/pkg/blockstore"
)

func main() {
	app := &cli.App{
		Name:  "bedrock",
		Usage: "format and inspect bedrock blockstore devices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "logging level"},
		},
		Before: func(c *cli.Context) error {
			lvl, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(lvl)
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			inspectCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "data-device", Required: true, Usage: "data device or file"},
		&cli.StringFlag{Name: "meta-device", Usage: "metadata device (defaults to data device)"},
		&cli.StringFlag{Name: "journal-device", Usage: "journal device (defaults to meta device)"},
		&cli.Uint64Flag{Name: "data-offset", Usage: "data region offset"},
		&cli.Uint64Flag{Name: "data-size", Usage: "data region size (0 = rest of device)"},
		&cli.Uint64Flag{Name: "meta-offset", Usage: "metadata region offset"},
		&cli.Uint64Flag{Name: "journal-offset", Usage: "journal region offset"},
		&cli.Uint64Flag{Name: "journal-size", Value: blockstore.DefaultJournalSize, Usage: "journal region size"},
		&cli.UintFlag{Name: "block-order", Value: blockstore.DefaultBlockOrder, Usage: "log2 of the block size"},
	}
}

func configFromFlags(c *cli.Context) map[string]string {
	conf := map[string]string{
		"data_device":    c.String("data-device"),
		"meta_device":    c.String("meta-device"),
		"journal_device": c.String("journal-device"),
		"data_offset":    fmt.Sprint(c.Uint64("data-offset")),
		"data_size":      fmt.Sprint(c.Uint64("data-size")),
		"meta_offset":    fmt.Sprint(c.Uint64("meta-offset")),
		"journal_offset": fmt.Sprint(c.Uint64("journal-offset")),
		"journal_size":   fmt.Sprint(c.Uint64("journal-size")),
		"block_order":    fmt.Sprint(c.Uint("block-order")),
	}
	return conf
}

func openRegions(c *cli.Context) (blockstore.Config, *device.Region, *device.Region, error) {
	cfg, err := blockstore.ParseConfig(configFromFlags(c))
	if err != nil {
		return cfg, nil, nil, err
	}
	data, err := device.Open(cfg.DataDevice, cfg.DataOffset, cfg.DataSize)
	if err != nil {
		return cfg, nil, nil, err
	}
	cfg.DataSize = data.Size
	if err := cfg.Finish(); err != nil {
		data.Close()
		return cfg, nil, nil, err
	}
	data.Close()

	meta, err := device.Open(cfg.MetaDevice, cfg.MetaOffset, cfg.MetaSize)
	if err != nil {
		return cfg, nil, nil, err
	}
	jdev, err := device.Open(cfg.JournalDevice, cfg.JournalOffset, cfg.JournalSize)
	if err != nil {
		meta.Close()
		return cfg, nil, nil, err
	}
	return cfg, meta, jdev, nil
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "format the metadata and journal regions",
		Flags: deviceFlags(),
		Action: func(c *cli.Context) error {
			cfg, meta, jdev, err := openRegions(c)
			if err != nil {
				return err
			}
			defer meta.Close()
			defer jdev.Close()

			zeros := directio.AlignedBlock(1 << 20)
			for off := uint64(0); off < cfg.MetaSize; off += uint64(len(zeros)) {
				n := uint64(len(zeros))
				if off+n > cfg.MetaSize {
					n = cfg.MetaSize - off
				}
				if err := meta.WriteAt(zeros[:n], off); err != nil {
					return err
				}
			}

			sector := directio.AlignedBlock(journal.SectorSize)
			journal.EncodeStart(sector, journal.SectorSize)
			if err := jdev.WriteAt(sector, 0); err != nil {
				return err
			}
			// Break any previous chain at the replay position.
			for i := range sector {
				sector[i] = 0
			}
			if err := jdev.WriteAt(sector, journal.SectorSize); err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"blocks":     cfg.BlockCount,
				"block_size": cfg.BlockSize,
				"journal":    cfg.JournalSize,
			}).Info("regions formatted")
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "print the clean-entry table and walk the journal chain",
		Flags: deviceFlags(),
		Action: func(c *cli.Context) error {
			cfg, meta, jdev, err := openRegions(c)
			if err != nil {
				return err
			}
			defer meta.Close()
			defer jdev.Close()

			clean := 0
			buf := directio.AlignedBlock(1 << 20)
			for off := uint64(0); off < cfg.BlockCount*32; off += uint64(len(buf)) {
				n := uint64(len(buf))
				if off+n > cfg.MetaSize {
					n = cfg.MetaSize - off
				}
				if err := meta.ReadAt(buf[:n], off); err != nil {
					return err
				}
				for pos := uint64(0); pos+32 <= n; pos += 32 {
					slot := (off + pos) / 32
					if slot >= cfg.BlockCount {
						break
					}
					le := binary.LittleEndian
					inode := le.Uint64(buf[pos:])
					stripe := le.Uint64(buf[pos+8:])
					version := le.Uint64(buf[pos+16:])
					if inode == 0 && stripe == 0 {
						continue
					}
					clean++
					fmt.Printf("slot %8d  object %d:%d  version %d\n", slot, inode, stripe, version)
				}
			}
			fmt.Printf("%d clean entries\n\n", clean)

			entries := 0
			st, err := journal.Scan(jdev.FD(), jdev.Offset, jdev.Size, func(e journal.Entry) error {
				entries++
				switch e.Type {
				case journal.TypeSmallWrite:
					fmt.Printf("small-write  %s  [%d,%d) data@%d\n", e.Ver, e.Offset, e.Offset+e.Len, e.DataOffset)
				case journal.TypeBigWrite:
					fmt.Printf("big-write    %s  block@%d\n", e.Ver, e.Location)
				case journal.TypeDelete:
					fmt.Printf("delete       %s\n", e.Ver)
				case journal.TypeStable:
					fmt.Printf("stable       %s\n", e.Ver)
				case journal.TypeRollback:
					fmt.Printf("rollback     %s\n", e.Ver)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("%d journal entries, used_start=%d next_free=%d\n", entries, st.UsedStart, st.NextFree)
			return nil
		},
	}
}
