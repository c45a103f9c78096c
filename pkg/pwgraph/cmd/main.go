package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string
	dump       bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging protocol traffic)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&configPath, "config", pwgraph.DefaultConfigPath, "path to the YAML config file")
	flag.BoolVar(&dump, "dump", false, "log the graph once it is mirrored, then exit")
}

func main() {
	flag.Parse()
	os.Exit(run(filepath.Join(os.TempDir(), "pwgraph")))
}

// run starts pwgraph and returns the process exit code. lock names the
// single instance lock, which is released on every return path.
func run(lock string) int {
	logger, err := pwgraph.NewLogger(buildType, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if !dump {
		if err := util.CreateMutex(lock); err != nil {
			named.Errorw("Failed to take instance lock", "error", err)
			return 1
		}
		defer func() {
			if err := util.ReleaseMutex(lock); err != nil {
				named.Warnw("Failed to release instance lock", "error", err)
			}
		}()
	}

	d, err := pwgraph.NewDaemon(logger, configPath, verbose)
	if err != nil {
		named.Errorw("Failed to create pwgraph object", "error", err)
		return 1
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		d.SetVersion(fmt.Sprintf("%s-%s", buildType, identifier))
	}

	d.SetDumpMode(dump)

	if err = d.Initialize(); err != nil {
		if errors.Is(err, pwgraph.ErrConnectionLost) {
			named.Errorw("Exiting after losing the PipeWire connection", "error", err)
		} else {
			named.Errorw("Failed to initialize pwgraph", "error", err)
		}

		return 1
	}

	return 0
}
