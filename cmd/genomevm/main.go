package main

import (
	"io"
	"os"
	"runtime/debug"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	"genomevm/internal/logging"
)

var (
	logger = logging.GetLogger()
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "genomevm",
		Version:   toolVersion,
		Usage:     "Runs sandboxed Lua genomes on a grid of cells",
		Writer:    out,
		ErrWriter: errOut,
		Commands: []*cli.Command{
			runCmd,
			fsCmd,
			checkCmd,
			mountCmd,
			historyCmd,
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state",
				Value:   "genomevm.state.json",
				Usage:   "Path of the virtual filesystem state file",
				EnvVars: []string{"GENOMEVM_STATE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path of a YAML configuration file",
				EnvVars: []string{"GENOMEVM_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of error, warn, info, debug or trace",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			name := c.String("log-level")
			if name == "" {
				return nil
			}
			level, err := logging.ParseLevel(name)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			return nil
		},
		Suggest: true,
	}
}

// Versioning

// fallbackVersion is reported when the build carries no version information.
const fallbackVersion = "v0.1.0-dev"

var (
	toolVersion = determineVersion(buildSummary, fallbackVersion)
	// buildSummary can be overridden by ldflags.
	buildSummary = ""
)

// determineVersion returns a semver, a pseudoversion or a Git hash, whichever
// the build information provides first.
func determineVersion(override, fallback string) string {
	if override != "" {
		return override
	}

	const dirtySuffix = "-dirty"
	if info, ok := debug.ReadBuildInfo(); ok &&
		info.Main.Version != "" && info.Main.Version != "(devel)" {
		v := info.Main.Version
		if versioninfo.DirtyBuild {
			v += dirtySuffix
		}
		return v
	}
	if v := versioninfo.Version; v != "unknown" && v != "(devel)" {
		if versioninfo.DirtyBuild {
			v += dirtySuffix
		}
		return v
	}
	if r := versioninfo.Revision; r != "unknown" && r != "" {
		if versioninfo.DirtyBuild {
			r += dirtySuffix
		}
		return r
	}
	return fallback
}
