package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/ledger"
)

var errDirNotEmpty = errors.New("directory is not empty")

// InitCmd returns the init command.
func InitCmd(a *app) *Command {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "Continue when the directory is not empty or already initialized")

	return &Command{
		Flags: fs,
		Usage: "init [--force]",
		Short: "Initialize directory as archive",
		Long: `Create ledger.toml and the inbox/, repo/ and crypt/ directories in the
base directory. The directory must be empty apart from hidden entries.
With --force, setup problems are reported as warnings instead.`,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execInit(a, o, *force)
		},
	}
}

func execInit(a *app, o *IO, force bool) error {
	base := a.cfg.BaseDir

	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", base, err)
	}

	// soft turns a setup error into a warning under --force.
	soft := func(err error) error {
		if !force {
			return err
		}

		o.Warn("%v", err)

		return nil
	}

	if err := checkEmptyDir(base); err != nil {
		if err := soft(err); err != nil {
			return err
		}
	}

	store := a.store()

	if _, err := store.Create(); err != nil {
		if !errors.Is(err, ledger.ErrAlreadyInitialized) {
			return err
		}

		if err := soft(err); err != nil {
			return err
		}
	}

	if err := store.EnsureDirs(); err != nil {
		return err
	}

	o.Println("initialized", base)

	return nil
}

// checkEmptyDir fails if dir has entries other than hidden ones.
func checkEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			return fmt.Errorf("%w: %s", errDirNotEmpty, dir)
		}
	}

	return nil
}
