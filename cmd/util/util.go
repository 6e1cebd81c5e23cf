package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dLock/rpc/client"
	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/serializer"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/ValentinKolb/dLock/rpc/transport/http"
	"github.com/ValentinKolb/dLock/rpc/transport/tcp"
	"github.com/ValentinKolb/dLock/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by dlock
	EnvPrefix = "dlock"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}

	return strings.Join(lines, "\n")
}

// InitConfig loads the env files and makes viper read DLOCK_* variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client setup
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds the connection flags of a client command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("The address of the dLock broker (host:port, socket path or http url)"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout of a single request in seconds"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to try connecting to the broker"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval in seconds (tcp only)"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time in seconds (tcp only)"))

	key = "write-buffer"
	cmd.PersistentFlags().Int(key, 64, WrapString("The size of the socket write buffer in KB (tcp only)"))

	key = "read-buffer"
	cmd.PersistentFlags().Int(key, 64, WrapString("The size of the socket read buffer in KB (tcp only)"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond: viper.GetInt("timeout"),
		RetryCount:    viper.GetInt("retries"),
		Transport: common.TransportConfig{
			Endpoint:        viper.GetString("endpoint"),
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("tcp-linger"),
			WriteBufferSize: viper.GetInt("write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
		},
	}
}

// GetSerializer creates the serializer selected by --serializer
func GetSerializer() (serializer.IRPCSerializer, error) {
	name := viper.GetString("serializer")
	s, ok := serializer.FromName(name)
	if !ok {
		return nil, fmt.Errorf("invalid serializer %s", name)
	}
	return s, nil
}

// GetClientTransport creates the client transport selected by --transport
func GetClientTransport() (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport(), nil
	case "tcp":
		return tcp.NewTCPClientTransport(), nil
	case "unix":
		return unix.NewUnixClientTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates the server transport selected by --transport
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpServerTransport(), nil
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// NewLockClient connects a lock client using the flags of cmd
func NewLockClient(cmd *cobra.Command) (client.ILockClient, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, err
	}

	s, err := GetSerializer()
	if err != nil {
		return nil, err
	}
	t, err := GetClientTransport()
	if err != nil {
		return nil, err
	}

	return client.NewRPCLockClient(*GetClientConfig(), t, s)
}
