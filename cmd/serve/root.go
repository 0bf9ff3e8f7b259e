package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/segcache/cmd/util"
	"github.com/ValentinKolb/segcache/lib/db/engines/seg"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the segcache server",
		Long:    `Start the segcache server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is SEGCACHE_<flag> (e.g. SEGCACHE_MEMORY=1GiB)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitEnv)

	def := common.DefaultServerConfig()
	flags := ServeCmd.PersistentFlags()

	// ports
	key := "endpoint"
	flags.String(key, def.Endpoint, cmdUtil.WrapString("The address of the memcache port (e.g. 0.0.0.0:12321 or /tmp/segcache.sock)"))

	key = "transport"
	flags.String(key, def.Transport, cmdUtil.WrapString("The transport of the memcache port (tcp, unix)"))

	key = "admin-endpoint"
	flags.String(key, def.AdminEndpoint, cmdUtil.WrapString("The address of the admin text port (stats, version, flush_all). Empty disables it"))

	key = "admin-http-endpoint"
	flags.String(key, def.AdminHTTPEndpoint, cmdUtil.WrapString("The address of the admin HTTP endpoint (/metrics, /stats, /health, /flush_all). Empty disables it"))

	// sessions
	key = "timeout"
	flags.Int64(key, def.TimeoutSecond, cmdUtil.WrapString("Idle timeout of a session in seconds, 0 disables it"))

	key = "max-connections"
	flags.Int64(key, def.MaxConnections, cmdUtil.WrapString("Maximum number of concurrent sessions per port"))

	key = "buffer-size"
	flags.String(key, common.FormatBytes(int64(def.BufferSize)), cmdUtil.WrapString("Initial session buffer size (e.g. 16KiB)"))

	key = "tcp-nodelay"
	flags.Bool(key, def.TCPNoDelay, cmdUtil.WrapString("Whether to enable TCP_NODELAY on sessions"))

	key = "tcp-keepalive"
	flags.Int(key, def.TCPKeepAliveSec, cmdUtil.WrapString("The keepalive interval of sessions in seconds, 0 uses the system default"))

	// logging
	key = "log-level"
	flags.String(key, def.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "log-format"
	flags.String(key, def.LogFormat, cmdUtil.WrapString("Format of the log output (console, json)"))

	// storage engine
	key = "memory"
	flags.String(key, common.FormatBytes(def.Engine.TotalMemoryBytes), cmdUtil.WrapString("Total memory of the segment pool (e.g. 64MiB, 1GiB)"))

	key = "segment-size"
	flags.String(key, common.FormatBytes(int64(def.Engine.SegmentSizeBytes)), cmdUtil.WrapString("Size of one segment, limits the largest object (e.g. 1MiB)"))

	key = "hash-power"
	flags.Uint8(key, def.Engine.HashIndexPower, cmdUtil.WrapString("The hash index starts with 2^hash-power buckets"))

	key = "ttl-buckets"
	flags.Int(key, def.Engine.TTLBucketCount, cmdUtil.WrapString("Number of ttl buckets"))

	key = "ttl-bucket-width"
	flags.Duration(key, def.Engine.TTLBucketWidth, cmdUtil.WrapString("Width of one ttl bucket (whole seconds)"))

	key = "eviction"
	flags.String(key, def.Engine.EvictionPolicy, cmdUtil.WrapString("Eviction policy (none, random, fifo, cte, util, merge)"))

	key = "merge-width"
	flags.Int(key, def.Engine.EvictionMergeWidth, cmdUtil.WrapString("Number of segments merged per eviction (merge policy only)"))

	key = "max-value-size"
	flags.String(key, common.FormatBytes(int64(def.Engine.MaxValueSize)), cmdUtil.WrapString("Largest accepted value (e.g. 512KiB)"))

	key = "expire-interval"
	flags.Duration(key, def.Engine.ExpireInterval, cmdUtil.WrapString("Time between background expiration sweeps"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Transport = viper.GetString("transport")
	serveCmdConfig.AdminEndpoint = viper.GetString("admin-endpoint")
	serveCmdConfig.AdminHTTPEndpoint = viper.GetString("admin-http-endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MaxConnections = viper.GetInt64("max-connections")
	serveCmdConfig.TCPNoDelay = viper.GetBool("tcp-nodelay")
	serveCmdConfig.TCPKeepAliveSec = viper.GetInt("tcp-keepalive")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.LogFormat = viper.GetString("log-format")

	engine := &serveCmdConfig.Engine
	engine.HashIndexPower = uint8(viper.GetUint("hash-power"))
	engine.TTLBucketCount = viper.GetInt("ttl-buckets")
	engine.TTLBucketWidth = viper.GetDuration("ttl-bucket-width")
	engine.EvictionPolicy = viper.GetString("eviction")
	engine.EvictionMergeWidth = viper.GetInt("merge-width")
	engine.ExpireInterval = viper.GetDuration("expire-interval")

	// parse sizes
	sizes := []struct {
		key string
		set func(int64)
	}{
		{"buffer-size", func(n int64) { serveCmdConfig.BufferSize = int(n) }},
		{"memory", func(n int64) { engine.TotalMemoryBytes = n }},
		{"segment-size", func(n int64) { engine.SegmentSizeBytes = int(n) }},
		{"max-value-size", func(n int64) { engine.MaxValueSize = int(n) }},
	}
	for _, size := range sizes {
		n, err := cmdUtil.ParseSize(viper.GetString(size.key))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", size.key, err)
		}
		size.set(n)
	}

	if engine.TTLBucketWidth%time.Second != 0 {
		return fmt.Errorf("ttl-bucket-width must be whole seconds, got %s", engine.TTLBucketWidth)
	}

	return serveCmdConfig.Validate()
}

// run starts the segcache server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig); err != nil {
		return err
	}

	opts, err := serveCmdConfig.Engine.ToSegOptions()
	if err != nil {
		return err
	}
	cache, err := seg.NewSegCache(opts)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}

	t, err := server.NewTransport(serveCmdConfig)
	if err != nil {
		_ = cache.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.NewCacheServer(serveCmdConfig, cache, t).Serve(ctx)
}
