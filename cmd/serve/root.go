package serve

import (
	"context"
	"fmt"
	"time"

	cmdUtil "github.com/ValentinKolb/dLock/cmd/util"
	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}

	// ServeCmd represents the serve command
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dLock broker",
		Long:    "Start the dLock broker. All flags can also be set as DLOCK_* environment variables (e.g. DLOCK_REDIS_ADDR).",
		RunE:    run,
		PreRunE: processConfig,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	flags := ServeCmd.PersistentFlags()

	// transport
	key := "endpoint"
	flags.String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the broker will listen (e.g. localhost:8080, /tmp/dlock.sock, ...)"))
	key = "workers-per-conn"
	flags.Int(key, 16, cmdUtil.WrapString("Maximum number of requests processed in parallel per connection (tcp and unix only)"))
	key = "timeout"
	flags.Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for a single request and for writes to a connection"))
	key = "unbind-on-disconnect"
	flags.Bool(key, false, cmdUtil.WrapString("Remove the session binding of a connection when it is closed. Held locks are kept until their lease runs out"))
	key = "tcp-nodelay"
	flags.Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp only)"))
	key = "tcp-keepalive"
	flags.Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (tcp only)"))
	key = "tcp-linger"
	flags.Int(key, 0, cmdUtil.WrapString("The linger time in seconds (tcp only)"))

	// store
	key = "store"
	flags.String(key, string(common.StoreTypeRedis), cmdUtil.WrapString("The store holding sessions and locks (redis, memory). The memory store is not shared between brokers"))
	key = "redis-addr"
	flags.String(key, "localhost:6379", cmdUtil.WrapString("Address of the redis server"))
	key = "redis-password"
	flags.String(key, "", cmdUtil.WrapString("Password of the redis server"))
	key = "redis-db"
	flags.Int(key, 0, cmdUtil.WrapString("Redis database to use"))
	key = "redis-prefix"
	flags.String(key, "", cmdUtil.WrapString("Prefix prepended to every redis key, lets several broker groups share one redis"))

	// locks
	key = "lease"
	flags.Int64(key, int64(lockmgr.DefaultLease/time.Second), cmdUtil.WrapString("Lease of a lock in seconds. A lock that is not released is freed after this time"))
	key = "channel"
	flags.String(key, lockmgr.DefaultChannel, cmdUtil.WrapString("Pub/sub channel on which released lock names are published"))

	// observability
	key = "log-level"
	flags.String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
	key = "metrics-endpoint"
	flags.String(key, "", cmdUtil.WrapString("Address serving /metrics and /health (e.g. localhost:9090), empty disables it"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Transport = common.TransportConfig{
		Endpoint:        viper.GetString("endpoint"),
		WorkersPerConn:  viper.GetInt("workers-per-conn"),
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.UnbindOnDisconnect = viper.GetBool("unbind-on-disconnect")

	switch storeType := common.StoreType(viper.GetString("store")); storeType {
	case common.StoreTypeRedis, common.StoreTypeMemory:
		serveCmdConfig.Store = storeType
	default:
		return fmt.Errorf("invalid store type: %s (expected one of: redis, memory)", storeType)
	}
	serveCmdConfig.RedisAddr = viper.GetString("redis-addr")
	serveCmdConfig.RedisPassword = viper.GetString("redis-password")
	serveCmdConfig.RedisDB = viper.GetInt("redis-db")
	serveCmdConfig.RedisPrefix = viper.GetString("redis-prefix")

	serveCmdConfig.LeaseSecond = viper.GetInt64("lease")
	if serveCmdConfig.LeaseSecond <= 0 {
		return fmt.Errorf("lease must be positive, got %d", serveCmdConfig.LeaseSecond)
	}
	serveCmdConfig.Channel = viper.GetString("channel")
	if serveCmdConfig.Channel == "" {
		return fmt.Errorf("channel must not be empty")
	}

	serveCmdConfig.LogLevel = viper.GetString("log-level")
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")

	return nil
}

// run starts the broker and blocks until it is stopped
func run(cmd *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return server.NewRPCServer(*serveCmdConfig, t, s).Serve(ctx)
}
