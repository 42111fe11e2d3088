// Command yycachectl inspects, primes, and trims a yycache directory from
// the command line.
//
// Grounded on cmd/memcached/main.go's config-merge shape (defaults, then a
// file, then flags), but using github.com/urfave/cli/v2 and
// github.com/mitchellh/mapstructure instead of hand-rolled flag/json, per
// that file's own "without stdlib constraint I'd use viper/mapstructure and
// cobra" note.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ibireme/go-yycache/yycache"
)

// fileConfig is the shape of an optional JSON config file, decoded through
// mapstructure so its keys can be merged with flag values uniformly.
type fileConfig struct {
	MemoryCountLimit    int64 `mapstructure:"memory_count_limit"`
	MemoryCostLimit     int64 `mapstructure:"memory_cost_limit"`
	DiskCountLimit      int64 `mapstructure:"disk_count_limit"`
	DiskCostLimit       int64 `mapstructure:"disk_cost_limit"`
	DiskInlineThreshold int64 `mapstructure:"disk_inline_threshold"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, errors.Wrap(err, "read config file")
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fc, errors.Wrap(err, "parse config file")
	}
	if err := mapstructure.Decode(raw, &fc); err != nil {
		return fc, errors.Wrap(err, "decode config file")
	}
	return fc, nil
}

func openCache(c *cli.Context) (*yycache.Cache, error) {
	fc, err := loadFileConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	opts := []yycache.Option{yycache.WithLogger(zap.NewNop())}
	if v := c.Int64("memory-count-limit"); v != 0 {
		fc.MemoryCountLimit = v
	}
	if v := c.Int64("disk-count-limit"); v != 0 {
		fc.DiskCountLimit = v
	}
	if fc.MemoryCountLimit > 0 {
		opts = append(opts, yycache.WithMemoryCountLimit(fc.MemoryCountLimit))
	}
	if fc.MemoryCostLimit > 0 {
		opts = append(opts, yycache.WithMemoryCostLimit(fc.MemoryCostLimit))
	}
	if fc.DiskCountLimit > 0 {
		opts = append(opts, yycache.WithDiskCountLimit(fc.DiskCountLimit))
	}
	if fc.DiskCostLimit > 0 {
		opts = append(opts, yycache.WithDiskCostLimit(fc.DiskCostLimit))
	}
	if fc.DiskInlineThreshold > 0 {
		opts = append(opts, yycache.WithDiskInlineThreshold(fc.DiskInlineThreshold))
	}

	path := c.String("path")
	if path == "" {
		return nil, errors.New("missing --path")
	}
	return yycache.OpenPath(path, opts...)
}

func main() {
	app := &cli.App{
		Name:  "yycachectl",
		Usage: "inspect, prime, and trim a yycache directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true, Usage: "cache directory"},
			&cli.StringFlag{Name: "config", Usage: "optional JSON config file"},
			&cli.Int64Flag{Name: "memory-count-limit", Usage: "override memory.count_limit"},
			&cli.Int64Flag{Name: "disk-count-limit", Usage: "override disk.count_limit"},
		},
		Commands: []*cli.Command{
			statCommand(),
			getCommand(),
			setCommand(),
			removeCommand(),
			clearCommand(),
			watchCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "yycachectl:", err)
		os.Exit(1)
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:  "stat",
		Usage: "print total count and cost across both tiers",
		Action: func(c *cli.Context) error {
			cache, err := openCache(c)
			if err != nil {
				return err
			}
			defer cache.Close()
			count, err := cache.TotalCount()
			if err != nil {
				return err
			}
			cost, err := cache.TotalCost()
			if err != nil {
				return err
			}
			fmt.Printf("count=%d cost=%d\n", count, cost)
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "print the value for a key",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			key := c.Args().First()
			if key == "" {
				return errors.New("missing key")
			}
			cache, err := openCache(c)
			if err != nil {
				return err
			}
			defer cache.Close()
			v, ok, err := cache.Get(key)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Printf("%v\n", v)
			return nil
		},
	}
}

func setCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "write a key with a raw byte-string value",
		ArgsUsage: "<key> <value>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return errors.New("usage: set <key> <value>")
			}
			cache, err := openCache(c)
			if err != nil {
				return err
			}
			defer cache.Close()
			return cache.Set(c.Args().Get(0), []byte(c.Args().Get(1)), int64(len(c.Args().Get(1))))
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			key := c.Args().First()
			if key == "" {
				return errors.New("missing key")
			}
			cache, err := openCache(c)
			if err != nil {
				return err
			}
			defer cache.Close()
			return cache.Remove(key)
		},
	}
}

// watchCommand prints stat on a fixed interval until interrupted, standing
// in for the teacher's long-running accept loop (server.go) now that this
// port has no network listener to keep a process alive.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print total count and cost every interval until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: 5 * time.Second},
		},
		Action: func(c *cli.Context) error {
			cache, err := openCache(c)
			if err != nil {
				return err
			}
			defer cache.Close()
			ticker := time.NewTicker(c.Duration("interval"))
			defer ticker.Stop()
			for range ticker.C {
				count, err := cache.TotalCount()
				if err != nil {
					return err
				}
				cost, err := cache.TotalCost()
				if err != nil {
					return err
				}
				fmt.Printf("%s count=%d cost=%d\n", time.Now().Format(time.RFC3339), count, cost)
			}
			return nil
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "empty both tiers, printing progress",
		Action: func(c *cli.Context) error {
			cache, err := openCache(c)
			if err != nil {
				return err
			}
			defer cache.Close()
			done := make(chan error, 1)
			cache.ClearWithProgress(func(removed, total int) {
				fmt.Printf("\rremoved %d/%d", removed, total)
			}, func(err error) { done <- err })
			err = <-done
			fmt.Println()
			return err
		},
	}
}
