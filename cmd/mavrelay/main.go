// mavrelay multiplexes MAVLink links between ground operator and vehicles.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/temoto/mavrelay/config"
	"github.com/temoto/mavrelay/helpers/cli"
	"github.com/temoto/mavrelay/log2"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type flags struct {
	configPath    string
	debug         bool
	dialect       string
	sources       []string
	sitl          []int
	sourceSystem  int
	metricsListen string
	modules       []string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "mavrelay",
		Short:         "Multi-vehicle MAVLink ground control relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addFlags(cmd.PersistentFlags(), f)

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(f))
	cmd.AddCommand(newConsoleCmd(f))
	return cmd
}

func addFlags(pf *pflag.FlagSet, f *flags) {
	pf.StringVarP(&f.configPath, "config", "c", "", "path to hcl config file, empty for defaults")
	pf.BoolVar(&f.debug, "debug", false, "debug logging")
	pf.StringVar(&f.dialect, "dialect", "", "MAVLink dialect: minimal, common, ardupilotmega")
	pf.StringSliceVar(&f.sources, "source", nil, "vehicle source kind:address:port:system:component, repeatable")
	pf.IntSliceVar(&f.sitl, "sitl", nil, "SITL instance number, repeatable")
	pf.IntVar(&f.sourceSystem, "source-system", config.DefaultSourceSystem, "ground side system id")
	pf.StringVar(&f.metricsListen, "metrics-listen", "", "serve prometheus /metrics on host:port")
	pf.StringSliceVar(&f.modules, "module", nil, "modules to load at start, repeatable")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mavrelay %s (commit: %s)\n", Version, Commit)
		},
	}
}

// loadConfig reads file if given, then applies command line flags that were set explicitly.
func loadConfig(cmd *cobra.Command, log *log2.Log, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Read(log, config.NewOsFullReader(), f.configPath); err != nil {
			return nil, errors.Annotate(err, "config")
		}
	}
	fs := cmd.Flags()
	if fs.Changed("debug") {
		cfg.LogDebug = f.debug
	}
	if fs.Changed("dialect") {
		cfg.Dialect = f.dialect
	}
	if fs.Changed("source") {
		cfg.Sources = f.sources
	}
	if fs.Changed("sitl") {
		cfg.Sitl = f.sitl
	}
	if fs.Changed("source-system") {
		cfg.SourceSystem = f.sourceSystem
	}
	if fs.Changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
	if fs.Changed("module") {
		cfg.Modules = f.modules
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "config")
	}
	return cfg, nil
}

// newLog picks timestamps for terminal, none under systemd journal.
func newLog(w io.Writer, debug bool, service bool) *log2.Log {
	level := log2.Level(log2.LInfo)
	if debug {
		level = log2.LDebug
	}
	log := log2.NewWriter(w, level)
	switch {
	case service:
		log.SetFlags(log2.LServiceFlags)
	case cli.IsTerminal(w):
		log.SetFlags(log2.LInteractiveFlags)
	default:
		log.SetFlags(log2.LStdFlags)
	}
	return log
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdnotify:", errors.ErrorStack(err))
	}
	return ok
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", errors.ErrorStack(err))
		os.Exit(1)
	}
}
