// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kianostad/versioned"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the commit throughput benchmarks",
	Long: `Run the benchmark suite against an in-process runtime.

The suite measures single-threaded commit latency, disjoint-object write
scalability, conflict behavior under a contended object, a mixed read/write
workload, and the cost of an epoch compression pass.`,
	RunE:    runBench,
	PreRunE: func(cmd *cobra.Command, _ []string) error { return viper.BindPFlags(cmd.Flags()) },
}

func init() {
	benchCmd.Flags().Int("txns", 100000, "transactions per workload")
	benchCmd.Flags().Int("goroutines", 8, "concurrent committers for the parallel workloads")
	benchCmd.Flags().Int("objects", 1024, "versioned objects for the disjoint workloads")
	benchCmd.Flags().Duration("compress-interval", 0, "background compression interval (0 disables)")
	benchCmd.Flags().Bool("prometheus", false, "dump runtime metrics in Prometheus format at the end")
}

func runBench(cmd *cobra.Command, _ []string) error {
	txns := viper.GetInt("txns")
	goroutines := viper.GetInt("goroutines")
	objects := viper.GetInt("objects")

	fmt.Println("Versioned Runtime Benchmarks")
	fmt.Println("============================")
	fmt.Printf("txns=%d goroutines=%d objects=%d\n", txns, goroutines, objects)

	reg := gometrics.NewRegistry()

	rt := newBenchRuntime()
	defer rt.Close(context.Background())

	benchSingleThreaded(rt, reg, txns)
	benchDisjointWriters(rt, reg, txns, goroutines, objects)
	benchContendedObject(rt, reg, txns, goroutines)
	benchMixedWorkload(rt, reg, txns, goroutines, objects)
	benchCompression(rt, reg)

	if viper.GetBool("prometheus") {
		fmt.Println("\nRuntime metrics:")
		rt.WritePrometheus(cmd.OutOrStdout())
	}
	return nil
}

func newBenchRuntime() *versioned.Runtime {
	opts := []versioned.Option{}
	if interval := viper.GetDuration("compress-interval"); interval > 0 {
		opts = append(opts, versioned.WithCompressorPolicy(versioned.PolicyPeriodic(interval)))
	}
	return versioned.New(opts...)
}

func benchSingleThreaded(rt *versioned.Runtime, reg gometrics.Registry, txns int) {
	fmt.Println("\n1. Single-threaded commits")
	ctx := context.Background()

	counter := versioned.NewVersioned(rt, 0)
	timer := gometrics.NewRegisteredTimer("commit.single", reg)

	for i := 0; i < txns; i++ {
		start := time.Now()
		committed, err := rt.Txn(ctx, func(tx *versioned.Txn) error {
			v, err := counter.Mutate(tx)
			if err != nil {
				return err
			}
			*v++
			return nil
		})
		if err != nil || !committed {
			fmt.Printf("   commit failed: committed=%t err=%v\n", committed, err)
			return
		}
		timer.UpdateSince(start)
	}
	printTimer(timer)
}

func benchDisjointWriters(rt *versioned.Runtime, reg gometrics.Registry, txns, goroutines, objects int) {
	fmt.Println("\n2. Disjoint-object writers")
	ctx := context.Background()

	objs := make([]*versioned.Versioned[int], objects)
	for i := range objs {
		objs[i] = versioned.NewVersioned(rt, 0)
	}
	timer := gometrics.NewRegisteredTimer("commit.disjoint", reg)

	perGoroutine := txns / goroutines
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				obj := objs[(id*perGoroutine+i)%objects]
				start := time.Now()
				rt.Txn(ctx, func(tx *versioned.Txn) error {
					v, err := obj.Mutate(tx)
					if err != nil {
						return err
					}
					*v++
					return nil
				})
				timer.UpdateSince(start)
			}
		}(g)
	}
	wg.Wait()
	printTimer(timer)
}

func benchContendedObject(rt *versioned.Runtime, reg gometrics.Registry, txns, goroutines int) {
	fmt.Println("\n3. Contended object (retry until committed)")
	ctx := context.Background()

	hot := versioned.NewVersioned(rt, 0)
	timer := gometrics.NewRegisteredTimer("commit.contended", reg)
	retries := gometrics.NewRegisteredCounter("commit.contended.retries", reg)

	perGoroutine := txns / goroutines
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				start := time.Now()
				for {
					committed, err := rt.Txn(ctx, func(tx *versioned.Txn) error {
						v, err := hot.Mutate(tx)
						if err != nil {
							return err
						}
						*v++
						return nil
					})
					if err != nil {
						return
					}
					if committed {
						break
					}
					retries.Inc(1)
				}
				timer.UpdateSince(start)
			}
		}()
	}
	wg.Wait()
	printTimer(timer)
	fmt.Printf("   retries: %d\n", retries.Count())
}

func benchMixedWorkload(rt *versioned.Runtime, reg gometrics.Registry, txns, goroutines, objects int) {
	fmt.Println("\n4. Mixed workload (80% reads, 20% writes)")
	ctx := context.Background()

	objs := make([]*versioned.Versioned[int], objects)
	for i := range objs {
		objs[i] = versioned.NewVersioned(rt, 0)
	}
	timer := gometrics.NewRegisteredTimer("mixed", reg)

	perGoroutine := txns / goroutines
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				obj := objs[(id+i)%objects]
				start := time.Now()
				if i%5 < 4 {
					obj.Read(nil)
				} else {
					rt.Txn(ctx, func(tx *versioned.Txn) error {
						v, err := obj.Mutate(tx)
						if err != nil {
							return err
						}
						*v++
						return nil
					})
				}
				timer.UpdateSince(start)
			}
		}(g)
	}
	wg.Wait()
	printTimer(timer)
}

func benchCompression(rt *versioned.Runtime, reg gometrics.Registry) {
	fmt.Println("\n5. Epoch compression")

	timer := gometrics.NewRegisteredTimer("compress", reg)
	before := rt.CurrentEpoch()
	start := time.Now()
	if err := rt.CompressEpochs(); err != nil {
		fmt.Printf("   compression failed: %v\n", err)
		return
	}
	elapsed := time.Since(start)
	timer.Update(elapsed)
	fmt.Printf("   epoch %d -> %d in %v\n", before, rt.CurrentEpoch(), elapsed)
}

func printTimer(t gometrics.Timer) {
	snap := t.Snapshot()
	fmt.Printf("   %d ops, mean %v, p99 %v, %.0f ops/sec\n",
		snap.Count(),
		time.Duration(snap.Mean()),
		time.Duration(snap.Percentile(0.99)),
		snap.RateMean())
}
