package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "memoryguard",
	Short: "MemoryGuard - OAuth protected resource front for Basic Memory",
	Long:  `MemoryGuard validates bearer tokens and proxies OAuth discovery and client registration for a Basic Memory deployment.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
