package cli

import (
	"context"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/crypt"
	"github.com/calvinalkan/bkupman/internal/cryptutil"
)

// VerifyCmd returns the verify command.
func VerifyCmd(a *app) *Command {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	decrypt := fs.Bool("decrypt", false, "Also authenticate every fragment (needs the passphrase)")
	passFile := fs.String("passphrase-file", "", "Read the passphrase from `file`")

	return &Command{
		Flags: fs,
		Usage: "verify [--decrypt]",
		Short: "Check crypt/ output against the ledger",
		Long: `Check the newest encrypted version of every tag: crypt.toml must match the
ledger, and every fragment must exist with the recorded BLAKE3 digest and
header. With --decrypt each fragment is also authenticated and the summed
plaintext size checked. Nothing is written.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			store := a.store()
			opts := crypt.VerifyOptions{Workers: a.cfg.Workers, Logger: a.logger}

			if *decrypt {
				secret, key, err := unlockWithSecret(store, passphraseSource{file: *passFile, env: a.env, prompt: a.prompt})
				if err != nil {
					return err
				}
				defer cryptutil.Zero(secret)

				opts.Key = key
				opts.Passphrase = secret
			}

			var report crypt.VerifyReport

			verr := o.Spin("verifying", func() error {
				var err error

				report, err = crypt.Verify(ctx, store, opts)

				return err
			})

			for _, t := range report.Tags {
				switch {
				case t.Err != nil && crypt.IsAuthFailure(t.Err):
					o.Errorf("%s: %s: authentication failed: %v", t.Tag, t.StoredName, t.Err)
				case t.Err != nil:
					o.Errorf("%s: %s: %v", t.Tag, t.StoredName, t.Err)
				case t.Replaced:
					o.Printf("%s %s/%s (fragments replaced, newer version pending encryption)\n", o.warn.Sprint("pending"), t.Tag, t.StoredName)
				default:
					o.Printf("%s %s/%s (%s)\n", o.OK("ok"), t.Tag, t.StoredName, verifyDetail(t))
				}
			}

			if len(report.Tags) == 0 && verr == nil {
				o.Println("(nothing encrypted)")
			}

			return verr
		},
	}
}

func verifyDetail(t crypt.TagReport) string {
	parts := []string{fmt.Sprintf("%d fragments", t.Fragments)}

	switch {
	case t.Decrypted:
		parts = append(parts, "decrypted")
	case t.NotDecrypted != "":
		parts = append(parts, "not decrypted: "+t.NotDecrypted)
	}

	if t.Pending {
		parts = append(parts, "newer version pending encryption")
	}

	return strings.Join(parts, ", ")
}
