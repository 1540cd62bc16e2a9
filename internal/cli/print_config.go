package cli

import (
	"context"
	"strconv"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			execPrintConfig(io, a)

			return nil
		},
	}
}

func execPrintConfig(io *IO, a *app) {
	cfg := a.cfg

	io.Println("base_dir=" + cfg.BaseDir)
	io.Println("fragment_size=" + cfg.FragmentSize + " (" + strconv.FormatUint(cfg.FragmentSizeBytes, 10) + " bytes)")
	io.Println("workers=" + strconv.Itoa(cfg.Workers))
	io.Println("lock_timeout=" + cfg.LockTimeoutDur.String())
	io.Println("log_level=" + cfg.LogLevel)
	io.Println("log_format=" + cfg.LogFormat)

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Archive == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Archive != "" {
			io.Println("archive_config=" + cfg.Sources.Archive)
		}
	}
}
