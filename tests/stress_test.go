// Licensed under the MIT License. See LICENSE file in the project root for details.

package tests

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/versioned"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMoneyMovingUnderCompression(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	Convey("Given accounts whose transfers preserve a zero sum", t, func() {
		ctx := context.Background()
		rt := versioned.New()
		defer rt.Close(ctx)

		const (
			numAccounts  = 8
			numWorkers   = 4
			numTransfers = 200
		)

		accounts := make([]*versioned.Versioned[int], numAccounts)
		for i := range accounts {
			accounts[i] = versioned.NewVersioned(rt, 0)
		}

		Convey("When workers transfer concurrently with a compressor thread", func() {
			var invariantBroken atomic.Bool

			done := make(chan struct{})
			var compressWG sync.WaitGroup
			compressWG.Add(1)
			go func() {
				defer compressWG.Done()
				for {
					select {
					case <-done:
						return
					default:
						rt.CompressEpochs()
					}
				}
			}()

			var wg sync.WaitGroup
			for w := 0; w < numWorkers; w++ {
				wg.Add(1)
				go func(seed int64) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					for i := 0; i < numTransfers; i++ {
						from := rng.Intn(numAccounts)
						to := rng.Intn(numAccounts)
						for to == from {
							to = rng.Intn(numAccounts)
						}

						for {
							committed, err := rt.Txn(ctx, func(tx *versioned.Txn) error {
								total := 0
								for _, account := range accounts {
									balance, err := account.Read(tx)
									if err != nil {
										return err
									}
									total += balance
								}
								if total != 0 {
									invariantBroken.Store(true)
								}

								src, err := accounts[from].Mutate(tx)
								if err != nil {
									return err
								}
								dst, err := accounts[to].Mutate(tx)
								if err != nil {
									return err
								}
								*src--
								*dst++
								return nil
							})
							if err != nil {
								invariantBroken.Store(true)
								return
							}
							if committed {
								break
							}
						}
					}
				}(int64(w))
			}
			wg.Wait()
			close(done)
			compressWG.Wait()

			Convey("Then every snapshot observed a zero sum", func() {
				So(invariantBroken.Load(), ShouldBeFalse)
			})

			Convey("And the final state is fully pruned", func() {
				total := 0
				for _, account := range accounts {
					balance, err := account.Read(nil)
					So(err, ShouldBeNil)
					total += balance
				}
				So(total, ShouldEqual, 0)

				So(rt.SnapshotEntryCount(), ShouldEqual, 0)
				for _, account := range accounts {
					So(account.HistorySize(), ShouldEqual, 0)
				}
			})
		})
	})
}

func TestConcurrentReadersNeverBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given one hot object under writers and readers", t, func() {
		ctx := context.Background()
		rt := versioned.New()
		defer rt.Close(ctx)

		hot := versioned.NewVersioned(rt, 0)

		const (
			numReaders = 8
			numWriters = 2
			numOps     = 500
		)

		Convey("When readers and writers race", func() {
			var stale atomic.Bool
			var wg sync.WaitGroup

			for w := 0; w < numWriters; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < numOps; i++ {
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
						}
					}
				}()
			}

			for r := 0; r < numReaders; r++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					last := 0
					for i := 0; i < numOps; i++ {
						value, err := hot.Read(nil)
						if err != nil {
							stale.Store(true)
							return
						}
						// Committed state only moves forward for a
						// transactionless reader.
						if value < last {
							stale.Store(true)
							return
						}
						last = value
					}
				}()
			}
			wg.Wait()

			Convey("Then reads were monotone and the final count is exact", func() {
				So(stale.Load(), ShouldBeFalse)

				value, err := hot.Read(nil)
				So(err, ShouldBeNil)
				So(value, ShouldEqual, numWriters*numOps)
			})
		})
	})
}
