// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kianostad/versioned"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start the interactive runtime explorer",
	Long: `Start an interactive session against an in-process runtime.

Objects hold integers and are created on first use. Outside a transaction,
reads return the latest committed value and writes run in their own
single-operation transaction. An open transaction stages writes until commit
or rollback.

Commands:

  get <name>          - read an object
  set <name> <value>  - write an object
  begin               - open a transaction
  commit              - commit the open transaction
  rollback            - discard staged writes and close the transaction
  epoch               - print the current and earliest epochs
  compress            - run an epoch compression pass
  dump                - print the snapshot registry
  metrics             - print runtime metrics
  quit, exit          - leave the session`,
	Run: func(cmd *cobra.Command, args []string) {
		runREPL()
	},
}

type repl struct {
	rt      *versioned.Runtime
	objects map[string]*versioned.Versioned[int]
	tx      *versioned.Txn
}

func newREPL(rt *versioned.Runtime) *repl {
	return &repl{
		rt:      rt,
		objects: make(map[string]*versioned.Versioned[int]),
	}
}

func (r *repl) object(name string) *versioned.Versioned[int] {
	obj, ok := r.objects[name]
	if !ok {
		obj = versioned.NewVersioned(r.rt, 0)
		r.objects[name] = obj
	}
	return obj
}

func (r *repl) run() {
	fmt.Println("Versioned Runtime REPL")
	fmt.Println("Commands: get, set, begin, commit, rollback, epoch, compress, dump, metrics, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if r.tx != nil {
			fmt.Printf("txn@%d> ", r.tx.Epoch())
		} else {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "get":
			if len(args) != 1 {
				fmt.Println("Usage: get <name>")
				continue
			}
			value, err := r.object(args[0]).Read(r.tx)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Printf("Value: %d\n", value)

		case "set":
			if len(args) != 2 {
				fmt.Println("Usage: set <name> <value>")
				continue
			}
			value, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Printf("Not an integer: %s\n", args[1])
				continue
			}
			if err := r.set(args[0], value); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Println("OK")

		case "begin":
			if r.tx != nil {
				fmt.Println("Transaction already open")
				continue
			}
			tx, err := r.rt.Begin()
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			r.tx = tx
			fmt.Printf("Reading at epoch %d\n", tx.Epoch())

		case "commit":
			if r.tx == nil {
				fmt.Println("No open transaction")
				continue
			}
			committed, err := r.tx.Commit()
			r.tx.Close()
			r.tx = nil
			switch {
			case err != nil:
				fmt.Printf("Error: %v\n", err)
			case committed:
				fmt.Printf("Committed at epoch %d\n", r.rt.CurrentEpoch())
			default:
				fmt.Println("Conflict: another transaction committed first")
			}

		case "rollback":
			if r.tx == nil {
				fmt.Println("No open transaction")
				continue
			}
			r.tx.Close()
			r.tx = nil
			fmt.Println("Rolled back")

		case "epoch":
			fmt.Printf("current=%d earliest=%d entries=%d\n",
				r.rt.CurrentEpoch(), r.rt.EarliestEpoch(), r.rt.SnapshotEntryCount())

		case "compress":
			if err := r.rt.CompressEpochs(); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			fmt.Printf("Compressed, current epoch is now %d\n", r.rt.CurrentEpoch())

		case "dump":
			r.rt.Dump(os.Stdout)

		case "metrics":
			r.rt.WritePrometheus(os.Stdout)

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

// set writes through the open transaction, or commits a single-operation
// transaction when none is open.
func (r *repl) set(name string, value int) error {
	obj := r.object(name)
	if r.tx != nil {
		return obj.Write(r.tx, value)
	}
	for {
		committed, err := r.rt.Txn(context.Background(), func(tx *versioned.Txn) error {
			return obj.Write(tx, value)
		})
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
}

func runREPL() {
	rt := versioned.New()
	defer rt.Close(context.Background())

	r := newREPL(rt)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing runtime...")
		rt.Close(context.Background())
		os.Exit(0)
	}()

	r.run()
}
