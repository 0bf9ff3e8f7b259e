package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/segcache/cmd/util"
	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for segcache servers",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "json"
	perfTestCmd.Flags().Bool(key, false, util.WrapString("Print the results as json instead of a table"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// perfTest is one benchmark. setup runs before the timer starts.
type perfTest struct {
	name  string
	setup func(keys []string)
	op    func(key string, i int) error
}

// perfResult is the outcome of one benchmark
type perfResult struct {
	Test      string  `json:"test"`
	Skipped   bool    `json:"skipped"`
	NsPerOp   float64 `json:"ns_per_op"`
	OpsPerSec float64 `json:"ops_per_sec"`
	Errors    int64   `json:"errors"`
}

func perfTests() []perfTest {
	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	fill := func(keys []string) {
		for _, k := range keys {
			if err := cacheClient.Set(k, value, 0, 0); err != nil {
				log.Printf("error setting key %s: %v\n", k, err)
			}
		}
	}
	counter := func(keys []string) {
		for _, k := range keys {
			if err := cacheClient.Set(k, []byte("0"), 0, 0); err != nil {
				log.Printf("error setting key %s: %v\n", k, err)
			}
		}
	}

	return []perfTest{
		{name: "set", op: func(key string, _ int) error {
			return cacheClient.Set(key, value, 0, 0)
		}},
		{name: "set-large", op: func(key string, _ int) error {
			return cacheClient.Set(key, largeValue, 0, 0)
		}},
		{name: "get", setup: fill, op: func(key string, _ int) error {
			_, _, err := cacheClient.Get(key)
			return err
		}},
		{name: "get-miss", op: func(key string, _ int) error {
			_, _, err := cacheClient.Get(key)
			return err
		}},
		{name: "incr", setup: counter, op: func(key string, _ int) error {
			_, err := cacheClient.Incr(key, 1)
			return err
		}},
		{name: "delete", setup: fill, op: func(key string, _ int) error {
			_, err := cacheClient.Delete(key)
			return err
		}},
		{name: "mixed", setup: fill, op: func(key string, i int) error {
			var err error
			switch i % 4 {
			case 0:
				err = cacheClient.Set(key, value, 0, 0)
			case 1, 2:
				_, _, err = cacheClient.Get(key)
			case 3:
				_, err = cacheClient.Delete(key)
			}
			return err
		}},
	}
}

func runPerf(_ *cobra.Command, _ []string) error {
	asJSON := viper.GetBool("json")
	if !asJSON {
		fmt.Println("Performance testing tool for segcache servers")
		fmt.Println()
		fmt.Println(util.GetClientConfig().String())
		fmt.Printf("Threads: %d\n\n", perfNumThreads)
		fmt.Println("starting tests...")
	}

	var results []perfResult
	for _, test := range perfTests() {
		result := perfResult{Test: test.name, Skipped: slices.Contains(perfSkip, test.name)}
		if !result.Skipped {
			result = runPerfTest(test)
		}
		results = append(results, result)
		if !asJSON {
			printResult(result)
		}
	}

	if asJSON {
		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		if !asJSON {
			fmt.Printf("\nExported results to %s\n", csvPath)
		}
	}

	return nil
}

func runPerfTest(test perfTest) perfResult {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, test.name, i)
	}

	var errorCount atomic.Int64
	countError := func(err error) {
		// log only the first error of a test
		if errorCount.Add(1) == 1 {
			log.Printf("(%s) - error: %v\n", test.name, err)
		}
	}

	bench := testing.Benchmark(func(b *testing.B) {
		if test.setup != nil {
			test.setup(keys)
		}
		b.Cleanup(func() {
			for _, k := range keys {
				_, _ = cacheClient.Delete(k)
			}
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				if err := test.op(keys[i%len(keys)], i); err != nil {
					countError(err)
				}
				i++
			}
		})
	})

	nsPerOp := math.Max(float64(bench.NsPerOp()), 1)
	return perfResult{
		Test:      test.name,
		NsPerOp:   nsPerOp,
		OpsPerSec: 1e9 / nsPerOp,
		Errors:    errorCount.Load(),
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(result perfResult) {
	if result.Skipped {
		fmt.Printf("%-20sskipped\n", result.Test)
		return
	}
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec", result.Test, result.NsPerOp, time.Duration(result.NsPerOp), result.OpsPerSec)
	if result.Errors > 0 {
		fmt.Printf("\t%d errors", result.Errors)
	}
	fmt.Println()
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Errors", "Skipped",
		"Endpoint", "TimeoutSec", "Connections",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, result := range results {
		row := []string{
			result.Test,
			fmt.Sprintf("%.0f", result.NsPerOp),
			time.Duration(result.NsPerOp).String(),
			fmt.Sprintf("%.0f", result.OpsPerSec),
			strconv.FormatInt(result.Errors, 10),
			strconv.FormatBool(result.Skipped),
			config.Endpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(max(1, config.Connections)),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", result.Test, err)
		}
	}

	return nil
}
