package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dLock/cmd/lock"
	"github.com/ValentinKolb/dLock/cmd/perf"
	"github.com/ValentinKolb/dLock/cmd/serve"
	"github.com/ValentinKolb/dLock/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dlock",
		Short: "lease based advisory lock broker",
		Long: fmt.Sprintf(`dLock (v%s)

An advisory lock broker written in Go. Clients bind a session to their
connection and acquire named locks that expire after a lease. Waiting
clients are notified once a lock they wait for is released.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dLock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dLock v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, http)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
