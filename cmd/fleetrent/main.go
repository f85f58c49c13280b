package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"evalgo.org/fleetrent/internal/commands"
	"evalgo.org/fleetrent/internal/version"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime
	version.GitCommit = GitCommit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
