package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/inbox"
)

var errFilesFailed = errors.New("files failed")

// InboxCmd returns the inbox command.
func InboxCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("inbox", flag.ContinueOnError),
		Usage: "inbox",
		Short: "Archive new files from inbox/",
		Long: `Verify every payload in inbox/ against its .md5sum sidecar, move it to
repo/<tag>/ and record it in the ledger. Files that fail stay in the inbox.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			var summary inbox.Summary

			err := o.Spin("processing inbox", func() error {
				var err error

				summary, err = inbox.Run(ctx, a.store(), inbox.Options{Workers: a.cfg.Workers, Logger: a.logger})

				return err
			})
			if err != nil {
				return err
			}

			for _, ar := range summary.Archived {
				o.Printf("%s %s -> %s/%s\n", o.OK("archived"), ar.Source, ar.Tag, ar.Version.StoredName)
			}

			for _, w := range summary.Warnings {
				o.Warn("%s", w)
			}

			for _, f := range summary.Failures {
				o.Errorf("%s: %v", f.Name, f.Err)
			}

			o.Printf("processed %d, failed %d\n", summary.Processed, summary.Failed)

			if summary.Failed > 0 {
				return fmt.Errorf("%d %w", summary.Failed, errFilesFailed)
			}

			return nil
		},
	}
}
