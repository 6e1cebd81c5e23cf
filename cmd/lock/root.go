package lock

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dLock/cmd/util"
	"github.com/ValentinKolb/dLock/rpc/client"
	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	lockClient client.ILockClient

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:   "lock",
		Short: "Perform lock operations",
		Long: util.WrapString("Perform lock operations. Every command binds --session to a fresh connection first, " +
			"locks acquired this way are held until released or until their lease runs out."),
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: shutdownLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [name]",
		Short: "Acquire a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [name]",
		Short: "Release a lock held by the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printResponse(lockClient.Unlock(args[0]))
		},
	}

	// macquireCmd represents the macquire command
	macquireCmd = &cobra.Command{
		Use:   "macquire [name...]",
		Short: "Acquire several locks at once (all or none)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAcquire,
	}

	// mreleaseCmd represents the mrelease command
	mreleaseCmd = &cobra.Command{
		Use:   "mrelease [name...]",
		Short: "Release several locks at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return printResponse(lockClient.MUnlock(args...))
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(macquireCmd)
	LockCommands.AddCommand(mreleaseCmd)

	util.SetupRPCClientFlags(LockCommands)

	LockCommands.PersistentFlags().String("session", "", util.WrapString("The session id to act as (required)"))

	for _, cmd := range []*cobra.Command{acquireCmd, macquireCmd} {
		cmd.Flags().Bool("wait", false, util.WrapString("Block until the lock is acquired"))
		cmd.Flags().Int("wait-timeout", 0, util.WrapString("Give up waiting after this many seconds (0 waits forever)"))
	}
}

// setupLockClient connects to the broker and binds the session
func setupLockClient(cmd *cobra.Command, _ []string) error {
	var err error
	if lockClient, err = util.NewLockClient(cmd); err != nil {
		return err
	}

	sid := viper.GetString("session")
	if sid == "" {
		return fmt.Errorf("--session is required")
	}

	resp, err := lockClient.Connect(sid)
	if err != nil {
		return err
	}
	if resp.Status != common.StatusOK {
		return fmt.Errorf("failed to bind session %s: %s", sid, resp.Text)
	}
	return nil
}

func shutdownLockClient(*cobra.Command, []string) error {
	if lockClient == nil {
		return nil
	}
	return lockClient.Shutdown()
}

// runAcquire handles acquire and macquire
func runAcquire(_ *cobra.Command, args []string) error {
	if !viper.GetBool("wait") {
		if len(args) == 1 {
			return printResponse(lockClient.Lock(args[0]))
		}
		return printResponse(lockClient.MLock(args...))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout := viper.GetInt("wait-timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	if err := lockClient.AwaitLock(ctx, args...); err != nil {
		return fmt.Errorf("failed to acquire %v: %w", args, err)
	}
	fmt.Println("status=OK, message=Acquired")
	return nil
}

// printResponse prints a broker response, a FAIL is returned as error
func printResponse(resp *common.Message, err error) error {
	if err != nil {
		return err
	}
	if resp.Status == common.StatusFail {
		return fmt.Errorf("status=%s, message=%s", resp.Status, resp.Text)
	}
	fmt.Printf("status=%s, message=%s\n", resp.Status, resp.Text)
	return nil
}
