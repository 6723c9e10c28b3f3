package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/obaiga/hesaff/internal/config"
	"github.com/obaiga/hesaff/internal/dispatch"
	"github.com/obaiga/hesaff/internal/logging"
	"github.com/obaiga/hesaff/internal/server"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// app holds the state shared by the registered functions. cfg and log are
// set by the root's persistent pre-run hook.
type app struct {
	cfgPath   string
	writePath string
	verbose   bool

	cfg *config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		logging.ErrorMsg("%v\n", err)
		os.Exit(1)
	}
}

// run prints the banner and executes the function selected by args.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{log: zap.NewNop()}
	defer func() {
		// stderr sync fails on terminals
		_ = a.log.Sync()
	}()

	tester, err := newTester(a)
	if err != nil {
		return err
	}
	tester.Root().SetIn(stdin)
	return tester.Main(ctx, args, stdout, stderr)
}

// newTester registers every function of the package. Both exclusion lists
// are empty, so every function is reachable.
func newTester(a *app) (*dispatch.Tester, error) {
	tester := dispatch.NewTester("pyhesaff", []string{}, []string{})

	root := tester.Root()
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&a.writePath, "write-config", "", "write the effective configuration as YAML to this path")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentPreRunE = a.setup

	err := tester.Register(
		a.detectKptsCmd(),
		a.extractDescCmd(),
		a.drawKptsCmd(),
		a.exportPatchCmd(),
		a.imageInfoCmd(),
		a.serveMCPCmd(),
		versionCmd(),
	)
	if err != nil {
		return nil, err
	}
	return tester, nil
}

// setup loads the configuration, optionally saves it with environment
// overrides applied, and builds the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, a.verbose)
	if err != nil {
		return err
	}
	if a.writePath != "" {
		if err := cfg.Save(a.writePath); err != nil {
			return err
		}
		logging.InfoMsg("wrote configuration to %s\n", a.writePath)
	}

	a.cfg = cfg
	a.log = logger
	server.Version = Version
	a.log.Debug("pyhesaff starting",
		zap.String("version", Version),
		zap.String("function", cmd.Name()),
		zap.String("config", a.cfgPath))
	return nil
}
