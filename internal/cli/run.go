// Package cli implements the bkupman command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/bkupman/internal/config"
	"github.com/calvinalkan/bkupman/internal/ledger"
	"github.com/calvinalkan/bkupman/internal/logging"
)

// app is the state shared by all commands of one invocation.
type app struct {
	cfg    config.Config
	env    map[string]string
	logger *zap.Logger
	prompt promptFunc
}

func (a *app) store() *ledger.Store {
	return ledger.NewStore(a.cfg.BaseDir, ledger.StoreOptions{LockTimeout: a.cfg.LockTimeoutDur})
}

// commands returns the command registry in help order.
func commands(a *app) []*Command {
	return []*Command{
		InitCmd(a),
		KeyCmd(a),
		InboxCmd(a),
		CryptCmd(a),
		StatusCmd(a),
		VerifyCmd(a),
		TestFileCmd(a),
		PrintConfigCmd(a),
	}
}

type globalFlags struct {
	workDir    string
	configPath string
	workers    int
	verbose    int
	help       bool
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var g globalFlags

	fs := flag.NewFlagSet("bkupman", flag.ContinueOnError)
	fs.SetOutput(&strings.Builder{})
	fs.SetInterspersed(false)

	fs.StringVarP(&g.workDir, "cwd", "C", "", "")
	fs.StringVarP(&g.configPath, "config", "c", "", "")
	fs.IntVarP(&g.workers, "workers", "j", 0, "")
	fs.CountVarP(&g.verbose, "verbose", "v", "")
	fs.BoolVarP(&g.help, "help", "h", false, "")

	if err := fs.Parse(args); err != nil {
		return globalFlags{}, err
	}

	g.remaining = fs.Args()

	return g, nil
}

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the command's context: pipelines stop scheduling
// new units, finish the started ones and commit what succeeded.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	return run(out, errOut, args, env, sigCh, terminalPrompt(stdin))
}

func run(out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal, prompt promptFunc) int {
	var argv []string
	if len(args) > 1 {
		argv = args[1:]
	}

	o := NewIO(out, errOut)

	flags, err := parseGlobalFlags(argv)
	if err != nil {
		o.Error(err)
		printUsage(errOut, commands(&app{}))

		return 1
	}

	if flags.help || len(flags.remaining) == 0 {
		printUsage(out, commands(&app{}))

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		BaseDirOverride: flags.workDir,
		ConfigPath:      flags.configPath,
		Env:             env,
		Workers:         flags.workers,
	})
	if err != nil {
		o.Error(err)

		return 1
	}

	logger, err := logging.New(logging.Options{
		Level:  logging.Verbosity(cfg.LogLevel, flags.verbose),
		Format: cfg.LogFormat,
		Out:    errOut,
	})
	if err != nil {
		o.Error(err)

		return 1
	}

	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, env: env, logger: logger, prompt: prompt}
	cmds := commands(a)

	name := flags.remaining[0]
	if name == "help" {
		printUsage(out, cmds)

		return 0
	}

	var cmd *Command

	for _, c := range cmds {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		o.Error(fmt.Errorf("%w: %s", errUnknownCommand, name))
		printUsage(errOut, cmds)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Warn("signal received, finishing started work", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if code := cmd.Run(ctx, o, flags.remaining[1:]); code != 0 {
		o.Finish()

		return code
	}

	return o.Finish()
}

var errUnknownCommand = errors.New("unknown command")

func printUsage(w io.Writer, cmds []*Command) {
	fprintln(w, `bkupman - archive, fragment and encrypt backup files

Usage: bkupman [options] <command> [args]

Options:
  -C, --cwd <dir>       Use <dir> as the archive base directory
  -c, --config <file>   Use specified config file
  -j, --workers <n>     Maximum concurrent units
  -v, --verbose         Log more (repeat for debug)

Commands:`)

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
