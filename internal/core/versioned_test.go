// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

func TestVersionedReadWrite(t *testing.T) {
	Convey("Given a runtime with a versioned counter", t, func() {
		ctx := context.Background()
		rt := New()
		defer rt.Close(ctx)

		counter := NewVersioned(rt, 0)

		Convey("When reading outside any transaction", func() {
			v, err := counter.Read(nil)

			Convey("Then the current value is returned", func() {
				So(err, ShouldBeNil)
				So(v, ShouldEqual, 0)
			})
		})

		Convey("When mutating outside any transaction", func() {
			_, err := counter.Mutate(nil)

			Convey("Then the call is refused", func() {
				So(errors.Is(err, ErrNoTransaction), ShouldBeTrue)
			})

			Convey("And Write is refused too", func() {
				So(errors.Is(counter.Write(nil, 1), ErrNoTransaction), ShouldBeTrue)
			})
		})

		Convey("When committing a mutation", func() {
			tx, err := rt.Begin()
			So(err, ShouldBeNil)
			defer tx.Close()

			p, err := counter.Mutate(tx)
			So(err, ShouldBeNil)
			*p = 7

			Convey("Then the change is speculative until commit", func() {
				staged, _ := counter.Read(tx)
				So(staged, ShouldEqual, 7)

				outside, _ := counter.Read(nil)
				So(outside, ShouldEqual, 0)
			})

			Convey("And after commit it is visible everywhere", func() {
				ok, err := tx.Commit()
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(tx.Status(), ShouldEqual, StatusCommitted)

				outside, _ := counter.Read(nil)
				So(outside, ShouldEqual, 7)
			})
		})

		Convey("When a snapshot predates a commit", func() {
			reader, err := rt.Begin()
			So(err, ShouldBeNil)
			defer reader.Close()

			ok, err := rt.Txn(ctx, func(tx *Txn) error {
				return counter.Write(tx, 42)
			})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			Convey("Then the old snapshot still reads the old value", func() {
				v, _ := counter.Read(reader)
				So(v, ShouldEqual, 0)

				latest, _ := counter.Read(nil)
				So(latest, ShouldEqual, 42)
			})
		})
	})
}

func TestCommitConflict(t *testing.T) {
	Convey("Given two transactions over the same object", t, func() {
		ctx := context.Background()
		rt := New()
		defer rt.Close(ctx)

		counter := NewVersioned(rt, 0)

		t1, err := rt.Begin()
		So(err, ShouldBeNil)
		defer t1.Close()
		t2, err := rt.Begin()
		So(err, ShouldBeNil)
		defer t2.Close()

		Convey("When both stage a write and the first commits", func() {
			So(counter.Write(t1, 1), ShouldBeNil)
			So(counter.Write(t2, 100), ShouldBeNil)

			ok, err := t1.Commit()
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			Convey("Then the second commit loses the conflict", func() {
				ok, err := t2.Commit()
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
				So(t2.Status(), ShouldEqual, StatusFailed)

				v, _ := counter.Read(nil)
				So(v, ShouldEqual, 1)
			})

			Convey("And the loser reads the winner's value afterwards", func() {
				_, _ = t2.Commit()

				v, _ := counter.Read(t2)
				So(v, ShouldEqual, 1)
			})

			Convey("And the loser succeeds on retry", func() {
				_, _ = t2.Commit()

				p, err := counter.Mutate(t2)
				So(err, ShouldBeNil)
				*p++
				ok, err := t2.Commit()
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)

				v, _ := counter.Read(nil)
				So(v, ShouldEqual, 2)
			})

			Convey("And the conflict shows up in the metrics", func() {
				_, _ = t2.Commit()

				snap := rt.Metrics()
				So(snap.Commits, ShouldEqual, 1)
				So(snap.Conflicts, ShouldEqual, 1)
			})
		})
	})
}

func TestMultiObjectCommit(t *testing.T) {
	Convey("Given a transaction touching two objects", t, func() {
		ctx := context.Background()
		rt := New()
		defer rt.Close(ctx)

		a := NewVersioned(rt, 10)
		b := NewVersioned(rt, 20)

		Convey("When the commit succeeds", func() {
			ok, err := rt.Txn(ctx, func(tx *Txn) error {
				if err := a.Write(tx, 11); err != nil {
					return err
				}
				return b.Write(tx, 21)
			})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			Convey("Then both changes land under one epoch", func() {
				av, _ := a.Read(nil)
				bv, _ := b.Read(nil)
				So(av, ShouldEqual, 11)
				So(bv, ShouldEqual, 21)
			})
		})

		Convey("When one object conflicts", func() {
			loser, err := rt.Begin()
			So(err, ShouldBeNil)
			defer loser.Close()
			So(a.Write(loser, 99), ShouldBeNil)
			So(b.Write(loser, 99), ShouldBeNil)

			ok, err := rt.Txn(ctx, func(tx *Txn) error {
				return b.Write(tx, 22)
			})
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			aSizeBefore := a.HistorySize()

			ok, err = loser.Commit()
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)

			Convey("Then no participant's history was mutated", func() {
				av, _ := a.Read(nil)
				bv, _ := b.Read(nil)
				So(av, ShouldEqual, 10)
				So(bv, ShouldEqual, 22)
				So(a.HistorySize(), ShouldEqual, aSizeBefore)
			})
		})
	})
}

func TestTxnLifecycle(t *testing.T) {
	Convey("Given a runtime", t, func() {
		ctx := context.Background()
		rt := New()
		defer rt.Close(ctx)

		counter := NewVersioned(rt, 0)

		Convey("When a transaction closes without committing", func() {
			tx, err := rt.Begin()
			So(err, ShouldBeNil)
			So(counter.Write(tx, 5), ShouldBeNil)
			tx.Close()

			Convey("Then its speculative value is dropped", func() {
				v, _ := counter.Read(nil)
				So(v, ShouldEqual, 0)
				So(rt.SnapshotEntryCount(), ShouldEqual, 0)
			})

			Convey("And Close is idempotent", func() {
				So(tx.Close, ShouldNotPanic)
			})

			Convey("And commit after Close is refused", func() {
				_, err := tx.Commit()
				So(errors.Is(err, ErrClosed), ShouldBeTrue)
			})
		})

		Convey("When the runtime is closed", func() {
			rt2 := New()
			So(rt2.Close(ctx), ShouldBeNil)

			Convey("Then Begin is refused", func() {
				_, err := rt2.Begin()
				So(errors.Is(err, ErrClosed), ShouldBeTrue)
			})

			Convey("And CompressEpochs is refused", func() {
				So(errors.Is(rt2.CompressEpochs(), ErrClosed), ShouldBeTrue)
			})
		})

		Convey("When the convenience wrapper's callback fails", func() {
			sentinel := errors.New("callback failure")
			ok, err := rt.Txn(ctx, func(tx *Txn) error { return sentinel })

			Convey("Then nothing commits and the error propagates", func() {
				So(ok, ShouldBeFalse)
				So(errors.Is(err, sentinel), ShouldBeTrue)
				So(rt.SnapshotEntryCount(), ShouldEqual, 0)
			})
		})
	})
}

func TestHistoryPruning(t *testing.T) {
	Convey("Given a runtime with no outside snapshots", t, func() {
		ctx := context.Background()
		rt := New()
		defer rt.Close(ctx)

		counter := NewVersioned(rt, 0)

		Convey("When committing repeatedly", func() {
			for i := 1; i <= 10; i++ {
				ok, err := rt.Txn(ctx, func(tx *Txn) error {
					p, err := counter.Mutate(tx)
					if err != nil {
						return err
					}
					*p++
					return nil
				})
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			}

			Convey("Then superseded versions are pruned promptly", func() {
				v, _ := counter.Read(nil)
				So(v, ShouldEqual, 10)
				So(counter.HistorySize(), ShouldBeLessThanOrEqualTo, 1)
				So(rt.SnapshotEntryCount(), ShouldEqual, 0)
			})
		})
	})
}

func TestSetupEpochOrder(t *testing.T) {
	Convey("Given a versioned object", t, func() {
		ctx := context.Background()
		rt := New()
		defer rt.Close(ctx)

		v := NewVersioned(rt, 0)

		Convey("When setup is invoked with a non-successor epoch", func() {
			local := 1
			_, err := v.setup(rt.CurrentEpoch(), rt.CurrentEpoch()+2, &local)

			Convey("Then the epoch order is enforced", func() {
				So(errors.Is(err, ErrEpochOrder), ShouldBeTrue)
			})
		})
	})
}

func TestCompressEpochsSingleSnapshot(t *testing.T) {
	Convey("Given a runtime started at epoch 600", t, func() {
		ctx := context.Background()
		rt := New(WithInitialEpoch(600))
		defer rt.Close(ctx)

		counter := NewVersioned(rt, 0)

		t1, err := rt.Begin()
		So(err, ShouldBeNil)
		So(t1.Epoch(), ShouldEqual, epoch.Epoch(600))

		Convey("When compressing", func() {
			So(rt.CompressEpochs(), ShouldBeNil)

			Convey("Then the live epoch collapses to 1", func() {
				So(t1.Epoch(), ShouldEqual, epoch.Epoch(1))
				So(rt.CurrentEpoch(), ShouldEqual, epoch.Epoch(1))

				v, readErr := counter.Read(t1)
				So(readErr, ShouldBeNil)
				So(v, ShouldEqual, 0)
			})

			Convey("And dropping the snapshot empties the registry", func() {
				t1.Close()
				So(rt.SnapshotEntryCount(), ShouldEqual, 0)
			})
		})

		Convey("When compressing with no live snapshots", func() {
			t1.Close()
			So(rt.CompressEpochs(), ShouldBeNil)

			Convey("Then the clock resets to its initial state", func() {
				So(rt.CurrentEpoch(), ShouldEqual, epoch.Epoch(1))
				So(rt.EarliestEpoch(), ShouldEqual, epoch.Epoch(1))
			})
		})
	})
}

func TestCompressEpochsRewritesHistories(t *testing.T) {
	Convey("Given live snapshots separated by wide epoch gaps", t, func() {
		ctx := context.Background()
		rt := New(WithInitialEpoch(1))
		defer rt.Close(ctx)

		counter := NewVersioned(rt, 0)

		s1, err := rt.Begin()
		So(err, ShouldBeNil)
		defer s1.Close()

		ok, err := rt.Txn(ctx, func(tx *Txn) error { return counter.Write(tx, 10) })
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)

		s2, err := rt.Begin()
		So(err, ShouldBeNil)
		defer s2.Close()

		ok, err = rt.Txn(ctx, func(tx *Txn) error { return counter.Write(tx, 20) })
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)

		s3, err := rt.Begin()
		So(err, ShouldBeNil)
		defer s3.Close()

		before1, _ := counter.Read(s1)
		before2, _ := counter.Read(s2)
		before3, _ := counter.Read(s3)

		Convey("When compressing", func() {
			So(rt.CompressEpochs(), ShouldBeNil)

			Convey("Then every live epoch fits the dense range", func() {
				live := uint64(rt.SnapshotEntryCount())
				So(uint64(s1.Epoch()), ShouldBeLessThanOrEqualTo, live+1)
				So(uint64(s2.Epoch()), ShouldBeLessThanOrEqualTo, live+1)
				So(uint64(s3.Epoch()), ShouldBeLessThanOrEqualTo, live+1)
				So(uint64(rt.CurrentEpoch()), ShouldBeLessThanOrEqualTo, live+1)
			})

			Convey("Then every read resolves as before", func() {
				after1, _ := counter.Read(s1)
				after2, _ := counter.Read(s2)
				after3, _ := counter.Read(s3)
				So(after1, ShouldEqual, before1)
				So(after2, ShouldEqual, before2)
				So(after3, ShouldEqual, before3)
			})

			Convey("Then the compression shows up in the metrics", func() {
				So(rt.Metrics().Compressions, ShouldEqual, 1)
			})
		})
	})
}

func TestRemapFor(t *testing.T) {
	Convey("Given live epochs 10, 500, and 900", t, func() {
		g := remapFor([]epoch.Epoch{10, 500, 900})

		Convey("Then live epochs map to their rank", func() {
			So(g(10), ShouldEqual, epoch.Epoch(1))
			So(g(500), ShouldEqual, epoch.Epoch(2))
			So(g(900), ShouldEqual, epoch.Epoch(3))
		})

		Convey("Then stamps inside a gap map to the rank above", func() {
			So(g(5), ShouldEqual, epoch.Epoch(1))
			So(g(11), ShouldEqual, epoch.Epoch(2))
			So(g(499), ShouldEqual, epoch.Epoch(2))
			So(g(501), ShouldEqual, epoch.Epoch(3))
		})

		Convey("Then stamps above every live epoch map past the last rank", func() {
			So(g(901), ShouldEqual, epoch.Epoch(4))
		})

		Convey("Then sentinels are preserved", func() {
			So(g(epoch.None), ShouldEqual, epoch.None)
			So(g(epoch.Open), ShouldEqual, epoch.Open)
		})
	})
}
