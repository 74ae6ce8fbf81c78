package main

import (
	"fmt"
	"os"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/helios-os/kheap/blockAlloc"
)

const usage = `Block-heap workload driver

kheap-sim runs randomized allocate/free workloads against the kernel block
allocator on the host, streams block-table snapshots for visualization, and
reports leaks via the allocation balance.`

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
)

func main() {
	app := cli.NewApp()
	app.Name = "kheap-sim"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log, l",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (trace, debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text (default = text)",
		},
		cli.Uint64Flag{
			Name:  "heap-size",
			Value: 1 << 20,
			Usage: "size of the simulated heap region, in bytes",
		},
		cli.IntFlag{
			Name:  "table-capacity",
			Value: 8 * blockAlloc.DefaultCapacity,
			Usage: "block table capacity (number of metadata slots)",
		},
		cli.IntFlag{
			Name:  "ops",
			Value: 10000,
			Usage: "number of workload operations to run",
		},
		cli.Int64Flag{
			Name:  "seed",
			Value: 0,
			Usage: "workload PRNG seed; 0 picks one from the clock",
		},
		cli.StringFlag{
			Name:  "dump",
			Value: "",
			Usage: "stream block-table snapshots to this file ('-' for stdout); empty disables",
		},
		cli.IntFlag{
			Name:  "dump-every",
			Value: 1000,
			Usage: "emit a snapshot every N operations",
		},
		cli.BoolFlag{
			Name:  "use-mmap",
			Usage: "back the heap with a real anonymous mapping instead of a synthetic address range",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("kheap-sim\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n",
			c.App.Version, commitId)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "trace":
				logrus.SetLevel(logrus.TraceLevel)
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				logrus.Fatalf("'%v' log-level option not recognized", logLevel)
			}
		} else {
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {

		logrus.Info("Starting kheap-sim")
		if version != "" {
			logrus.Infof("Version: %s", version)
		}

		// If requested, launch cpu/mem profiling data collection.
		prof, err := runProfiler(ctx)
		if err != nil {
			return err
		}
		if prof != nil {
			defer prof.Stop()
		}

		cfg, err := simConfigFromCli(ctx)
		if err != nil {
			return err
		}

		if err := runSim(cfg); err != nil {
			return err
		}

		logrus.Info("Done.")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually excluded in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	// Typical / non-profiling case.
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated cpu-profiling data collection.")
	}

	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated memory-profiling data collection.")
	}

	return prof, nil
}
