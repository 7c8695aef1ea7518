package array

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gdisk "github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/config"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/engine"
	"github.com/mit-pdos/go-raidframe/plog"
)

// OpenStore opens the parity-log backend cfg names.
func OpenStore(cfg config.ParityLogConfig) (plog.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return plog.NewMemStore(0), nil
	case "circular":
		d, err := gdisk.NewFileDisk(cfg.Path, cfg.Blocks)
		if err != nil {
			return nil, fmt.Errorf("open parity log %s: %w", cfg.Path, err)
		}
		s, err := plog.NewCircularStore(d)
		if err != nil {
			d.Close()
			return nil, err
		}
		return s, nil
	case "badger":
		return plog.OpenBadgerStore(cfg.Path, cfg.Sync)
	}
	return nil, fmt.Errorf("unknown parity log backend %q", cfg.Backend)
}

// Open assembles the array cfg describes: it opens every member, the
// parity log (RAID5 only), and the engine over them. Pending parity-log
// entries are left for the caller to Resync.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, hooks engine.Hooks) (*Array, error) {
	level, err := ParseLevel(cfg.Array.Level)
	if err != nil {
		return nil, err
	}
	set := disk.MkSet()
	geo := Geometry{
		Level:      level,
		NDisks:     len(cfg.Array.Disks),
		StripeUnit: cfg.Array.StripeUnit,
		Offsets:    make([]uint64, len(cfg.Array.Disks)),
	}
	for i, dc := range cfg.Array.Disks {
		var d disk.Disk
		if dc.Path == "" {
			d = disk.NewMemDisk(dc.Size)
		} else {
			fd, err := disk.NewFileDisk(dc.Path, dc.Size)
			if err != nil {
				return nil, errors.Join(err, set.Shutdown())
			}
			d = fd
		}
		set.Attach(common.DevId(i), d)
		geo.Offsets[i] = dc.Offset
		usable := dc.Size - dc.Offset
		if i == 0 || usable < geo.DiskSize {
			geo.DiskSize = usable
		}
	}

	var log *plog.Log
	if level == RAID5 {
		store, err := OpenStore(cfg.ParityLog)
		if err != nil {
			return nil, errors.Join(err, set.Shutdown())
		}
		log, err = plog.Open(store)
		if err != nil {
			return nil, errors.Join(err, store.Close(), set.Shutdown())
		}
	}
	a, err := New(set, Options{
		Geometry:    geo,
		Log:         log,
		Parallelism: cfg.Rebuild.Parallelism,
		BytesPerSec: cfg.Rebuild.BytesPerSec,
		Logger:      logger,
		Hooks:       hooks,
	})
	if err != nil {
		if log != nil {
			err = errors.Join(err, log.Shutdown())
		}
		return nil, errors.Join(err, set.Shutdown())
	}
	a.logger.Info("array open", slog.Int("disks", geo.NDisks),
		slog.Uint64("capacity", geo.Capacity()), slog.Uint64("stripe_unit", geo.StripeUnit))
	if log != nil {
		if n := len(log.Pending()); n > 0 {
			a.logger.WarnContext(ctx, "parity log has pending stripes", slog.Int("count", n))
		}
	}
	return a, nil
}
