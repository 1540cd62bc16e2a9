package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/config"
	"github.com/calvinalkan/bkupman/internal/ledger"
)

// StatusCmd returns the status command.
func StatusCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("status", flag.ContinueOnError),
		Usage: "status",
		Short: "Show archived tags and their encryption state",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			l, err := a.store().Read()
			if err != nil {
				return err
			}

			policy, _, _ := strings.Cut(l.CryptPolicy.String(), "\n")

			o.Println("policy:", policy)
			o.Println("updated:", l.UpdatedAt.Format(time.RFC3339))

			tags := l.Tags()
			if len(tags) == 0 {
				o.Println("(no files archived)")

				return nil
			}

			var buf strings.Builder

			tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tVERSIONS\tLATEST\tCRYPT")

			for _, tag := range tags {
				versions := l.Versions(tag)
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", tag, len(versions), versions[0].StoredName, cryptState(versions[0]))
			}

			_ = tw.Flush()
			o.Printf("\n%s", buf.String())

			return nil
		},
	}
}

func cryptState(v ledger.FileVersion) string {
	if !v.IsEncrypted() {
		return "pending"
	}

	rec := v.Encryption

	return fmt.Sprintf("%d fragments of %s, %s total",
		rec.FragmentCount(), config.FormatSize(rec.FragmentSize), config.FormatSize(rec.TotalPlaintextSize))
}
