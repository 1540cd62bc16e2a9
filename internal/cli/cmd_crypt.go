package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/config"
	"github.com/calvinalkan/bkupman/internal/crypt"
)

var errTagsFailed = errors.New("tags failed")

// CryptCmd returns the crypt command.
func CryptCmd(a *app) *Command {
	fs := flag.NewFlagSet("crypt", flag.ContinueOnError)
	fragmentSize := fs.String("fragment-size", "", "Plaintext bytes per fragment, e.g. 64m (default from config)")
	passFile := fs.String("passphrase-file", "", "Read the passphrase from `file`")

	return &Command{
		Flags: fs,
		Usage: "crypt [--fragment-size SIZE]",
		Short: "Split and encrypt files in repo/",
		Long: `For every tag whose newest version is not yet encrypted, split the payload
into fragments of SIZE bytes and encrypt each into crypt/<tag>/ under the
current crypt policy. With the plaintext policy nothing is written.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			size := a.cfg.FragmentSizeBytes

			if *fragmentSize != "" {
				n, err := config.ParseSize(*fragmentSize)
				if err != nil {
					return err
				}

				size = n
			}

			store := a.store()

			key, err := unlock(store, passphraseSource{file: *passFile, env: a.env, prompt: a.prompt})
			if err != nil {
				return err
			}

			var summary crypt.Summary

			err = o.Spin("encrypting", func() error {
				var err error

				summary, err = crypt.Run(ctx, store, crypt.Options{
					Workers:      a.cfg.Workers,
					FragmentSize: size,
					Key:          key,
					Logger:       a.logger,
				})

				return err
			})
			if err != nil && !errors.Is(err, crypt.ErrUnitsFailed) {
				return err
			}

			for _, f := range summary.Failures {
				o.Errorf("%s: %v", f.Tag, f.Err)
			}

			o.Printf("selected %d, encrypted %d, skipped %d, failed %d\n",
				summary.Selected, summary.Encrypted, summary.Skipped, summary.Failed)

			if summary.Failed > 0 {
				return fmt.Errorf("%d %w", summary.Failed, errTagsFailed)
			}

			return nil
		},
	}
}
