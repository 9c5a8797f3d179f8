// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides the command-line interface for the versioned MVCC
// runtime.
//
// The CLI bundles the development tools for the library: a benchmark driver
// for measuring commit throughput and conflict behavior, and an interactive
// REPL for exploring transactions by hand.
//
// # Usage
//
// Print the version:
//
//	versioned version
//
// Run the benchmark suite:
//
//	versioned bench --goroutines 8 --txns 100000
//
// Start the interactive REPL:
//
//	versioned repl
//
// # Configuration
//
// Every flag can also be supplied through the environment with the VERSIONED
// prefix, with dashes replaced by underscores:
//
//	VERSIONED_GOROUTINES=16 versioned bench
//
// A .env or .env.local file in the working directory is loaded before the
// environment is read.
//
// # See Also
//
// For the library API, see the versioned package.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "versioned",
	Short: "in-process MVCC runtime tools",
	Long: fmt.Sprintf(`versioned (v%s)

Tools for the versioned MVCC runtime: snapshot-isolated transactions over
versioned in-memory values, with optimistic conflict detection, deferred
reclamation, and epoch compression.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("versioned v%s\n", version)
	},
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("versioned")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(replCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
