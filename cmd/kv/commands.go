package kv

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ValentinKolb/segcache/lib/db"
	"github.com/spf13/cobra"
)

// storageArgs parses "[key] [value] [flags] [exptime]" with optional flags and exptime
func storageArgs(args []string) (key string, value []byte, flags uint32, exptime int64, err error) {
	key, value = args[0], []byte(args[1])
	if len(args) > 2 {
		f, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return "", nil, 0, 0, fmt.Errorf("flags must be a 32 bit number: %w", err)
		}
		flags = uint32(f)
	}
	if len(args) > 3 {
		if exptime, err = strconv.ParseInt(args[3], 10, 64); err != nil {
			return "", nil, 0, 0, fmt.Errorf("exptime must be a number: %w", err)
		}
	}
	return key, value, flags, exptime, nil
}

// storageCmd builds the set, add and replace commands
func storageCmd(name, short string, store func(key string, value []byte, flags uint32, exptime int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [key] [value] [flags] [exptime]",
		Short: short,
		Args:  cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, flags, exptime, err := storageArgs(args)
			if err != nil {
				return err
			}
			if err := store(key, value, flags, exptime); err != nil {
				if errors.Is(err, db.ErrNotStored) {
					fmt.Println("not stored")
					return nil
				}
				return err
			}
			fmt.Println("stored")
			return nil
		},
	}
}

var (
	getCmd = &cobra.Command{
		Use:   "get [key]...",
		Short: "Gets the values of one or more keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := cacheClient.GetMulti(args...)
			if err != nil {
				return err
			}
			for _, key := range args {
				item, ok := items[key]
				if !ok {
					fmt.Printf("%s: not found\n", key)
					continue
				}
				fmt.Printf("%s: %s (flags=%d cas=%d)\n", key, item.Value, item.Flags, item.Cas)
			}
			return nil
		},
	}
	setCmd = storageCmd("set", "Stores a value", func(key string, value []byte, flags uint32, exptime int64) error {
		return cacheClient.Set(key, value, flags, exptime)
	})
	addCmd = storageCmd("add", "Stores a value if the key is not already set", func(key string, value []byte, flags uint32, exptime int64) error {
		return cacheClient.Add(key, value, flags, exptime)
	})
	replaceCmd = storageCmd("replace", "Stores a value if the key is already set", func(key string, value []byte, flags uint32, exptime int64) error {
		return cacheClient.Replace(key, value, flags, exptime)
	})
	casCmd = &cobra.Command{
		Use:   "cas [key] [value] [cas] [flags] [exptime]",
		Short: "Stores a value if the cas value of the key did not change",
		Args:  cobra.RangeArgs(3, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			cas, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("cas must be a number: %w", err)
			}
			key, value, flags, exptime, err := storageArgs(append(args[:2:2], args[3:]...))
			if err != nil {
				return err
			}
			switch err := cacheClient.Cas(key, value, flags, exptime, cas); {
			case errors.Is(err, db.ErrVersionMismatch):
				fmt.Println("exists")
			case errors.Is(err, db.ErrNotFound):
				fmt.Println("not found")
			case err != nil:
				return err
			default:
				fmt.Println("stored")
			}
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [key] [delta]",
		Short: "Increments a numeric value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return arithmetic(args, cacheClient.Incr)
		},
	}
	decrCmd = &cobra.Command{
		Use:   "decr [key] [delta]",
		Short: "Decrements a numeric value (stops at 0)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return arithmetic(args, cacheClient.Decr)
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := cacheClient.Delete(args[0])
			if err != nil {
				return err
			}
			if deleted {
				fmt.Println("deleted")
			} else {
				fmt.Println("not found")
			}
			return nil
		},
	}
	flushCmd = &cobra.Command{
		Use:   "flush [delay]",
		Short: "Invalidates all keys, optionally after delay seconds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var delay int64
			if len(args) == 1 {
				var err error
				if delay, err = strconv.ParseInt(args[0], 10, 64); err != nil || delay < 0 {
					return fmt.Errorf("delay must be a positive number")
				}
			}
			if err := cacheClient.FlushAll(delay); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints the version of the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := cacheClient.Version()
			if err != nil {
				return err
			}
			fmt.Println(version)
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints the statistics of the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := cacheClient.Stats()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(stats))
			for name := range stats {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-48s %s\n", name, stats[name])
			}
			return nil
		},
	}
)

func arithmetic(args []string, op func(key string, delta uint64) (uint64, error)) error {
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("delta must be a number: %w", err)
	}
	value, err := op(args[0], delta)
	switch {
	case errors.Is(err, db.ErrNotFound):
		fmt.Println("not found")
		return nil
	case err != nil:
		return err
	}
	fmt.Println(value)
	return nil
}
