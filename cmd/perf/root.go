package perf

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dLock/cmd/util"
	"github.com/ValentinKolb/dLock/rpc/client"
	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const perfLockPrefix = "__perf"

var (
	// PerfCmd represents the perf command
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dLock brokers",
		Long:    util.WrapString("Runs parallel lock benchmarks against a broker. Every worker uses its own connection and session."),
		RunE:    run,
		PreRunE: processPerfConfig,
	}

	perfNumThreads = 10
	perfLockSpread = 100
	perfBatchSize  = 4
	perfSkip       []string

	// workerSeq numbers the sessions of all benchmark workers
	workerSeq atomic.Int64
	// runID keeps lock names of concurrent perf runs apart
	runID = uuid.NewString()[:8]
)

// benchmark is a single named test, op is called for every iteration
type benchmark struct {
	name string
	op   func(c client.ILockClient, worker string, i int) error
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(PerfCmd)

	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. contended,mlock)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of parallel workers"))
	key = "locks"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different lock names to use for the contended tests"))
	key = "batch"
	PerfCmd.Flags().Int(key, 4, util.WrapString("How many locks a single mlock request takes"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfLockSpread = max(viper.GetInt("locks"), 1)
	perfBatchSize = max(viper.GetInt("batch"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dLock brokers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	benchmarks := []benchmark{
		{
			// every worker locks its own names, measures the uncontended round trip
			name: "lock-unlock",
			op: func(c client.ILockClient, worker string, i int) error {
				name := fmt.Sprintf("%s-%s-%s-%d", perfLockPrefix, runID, worker, i%perfLockSpread)
				if err := expect(c.Lock(name))(common.StatusOK); err != nil {
					return err
				}
				return expect(c.Unlock(name))(common.StatusOK)
			},
		},
		{
			// all workers share the names, a WAIT is a valid outcome
			name: "contended",
			op: func(c client.ILockClient, _ string, i int) error {
				name := fmt.Sprintf("%s-%s-shared-%d", perfLockPrefix, runID, i%perfLockSpread)
				resp, err := c.Lock(name)
				if err != nil {
					return err
				}
				switch resp.Status {
				case common.StatusOK:
					return expect(c.Unlock(name))(common.StatusOK)
				case common.StatusWait:
					return nil
				default:
					return fmt.Errorf("lock %s: %s", name, resp.Text)
				}
			},
		},
		{
			name: "mlock-munlock",
			op: func(c client.ILockClient, worker string, i int) error {
				names := make([]string, perfBatchSize)
				for j := range names {
					names[j] = fmt.Sprintf("%s-%s-%s-%d-%d", perfLockPrefix, runID, worker, i%perfLockSpread, j)
				}
				if err := expect(c.MLock(names...))(common.StatusOK); err != nil {
					return err
				}
				return expect(c.MUnlock(names...))(common.StatusOK)
			},
		},
		{
			name: "connect",
			op: func(c client.ILockClient, worker string, _ int) error {
				return expect(c.Connect(worker))(common.StatusOK)
			},
		},
	}

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		if slices.Contains(perfSkip, bm.name) {
			results[bm.name] = testing.BenchmarkResult{}
			printResult(bm.name, results[bm.name])
			continue
		}
		result := testing.Benchmark(bm.run)
		results[bm.name] = result
		printResult(bm.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// run executes the benchmark with one connected client per worker
func (bm benchmark) run(b *testing.B) {
	b.SetParallelism(perfNumThreads)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		worker := fmt.Sprintf("%s-%s-worker-%d", perfLockPrefix, runID, workerSeq.Add(1))

		c, err := newWorkerClient(worker)
		if err != nil {
			fmt.Printf("(%s) - failed to connect worker: %v\n", bm.name, err)
			return
		}
		defer func() { _ = c.Shutdown() }()

		counter := 0
		for pb.Next() {
			if err := bm.op(c, worker, counter); err != nil {
				fmt.Printf("(%s) - %v\n", bm.name, err)
			}
			counter++
		}
	})
}

// newWorkerClient connects a client and binds the session sid
func newWorkerClient(sid string) (client.ILockClient, error) {
	s, err := util.GetSerializer()
	if err != nil {
		return nil, err
	}
	t, err := util.GetClientTransport()
	if err != nil {
		return nil, err
	}

	c, err := client.NewRPCLockClient(*util.GetClientConfig(), t, s)
	if err != nil {
		return nil, err
	}
	if err := expect(c.Connect(sid))(common.StatusOK); err != nil {
		_ = c.Shutdown()
		return nil, err
	}
	return c, nil
}

// expect returns a check that the response has the given status
func expect(resp *common.Message, err error) func(common.Status) error {
	return func(status common.Status) error {
		if err != nil {
			return err
		}
		if resp.Status != status {
			return fmt.Errorf("expected %s, got %s: %s", status, resp.Status, resp.Text)
		}
		return nil
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoint", "TimeoutSec", "RetryCount", "Serializer", "Transport",
		"Threads", "Locks", "BatchSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		skipped := result.NsPerOp() == 0
		var nsPerOp, opsPerSec float64
		if !skipped {
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatBool(skipped),
			config.Transport.Endpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLockSpread),
			strconv.Itoa(perfBatchSize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
