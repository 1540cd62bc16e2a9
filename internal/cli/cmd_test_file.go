package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/config"
	"github.com/calvinalkan/bkupman/internal/testfile"
)

// TestFileCmd returns the test-file command.
func TestFileCmd(a *app) *Command {
	fs := flag.NewFlagSet("test-file", flag.ContinueOnError)
	size := fs.StringP("size", "s", "1m", "File size")
	count := fs.IntP("count", "c", 1, "File count")
	random := fs.BoolP("random", "r", false, "Fill with pseudo-random data instead of zeros")

	return &Command{
		Flags: fs,
		Usage: "test-file [-s SIZE] [-c COUNT] [-r]",
		Short: "Create test file(s) into inbox/",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			n, err := config.ParseSize(*size)
			if err != nil {
				return err
			}

			if *count < 0 {
				return fmt.Errorf("count must not be negative, got %d", *count)
			}

			res, err := testfile.Generate(ctx, a.store(), testfile.Options{
				Workers: a.cfg.Workers,
				Size:    n,
				Count:   *count,
				Random:  *random,
				Logger:  a.logger,
			})
			if err != nil {
				return err
			}

			for _, c := range res.Created {
				o.Printf("%s %s size=%d random=%t\n", o.OK("created"), c.Name, n, *random)
			}

			for _, f := range res.Failures {
				o.Errorf("%s: %v", f.Name, f.Err)
			}

			if len(res.Failures) > 0 {
				return fmt.Errorf("%d %w", len(res.Failures), errFilesFailed)
			}

			return nil
		},
	}
}
