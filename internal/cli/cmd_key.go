package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
	"github.com/calvinalkan/bkupman/internal/keys"
	"github.com/calvinalkan/bkupman/internal/ledger"
)

var errKeyModes = errors.New("--plaintext, --show and --check are mutually exclusive")

// KeyCmd returns the key command.
func KeyCmd(a *app) *Command {
	fs := flag.NewFlagSet("key", flag.ContinueOnError)
	plaintext := fs.Bool("plaintext", false, "Switch to no encryption")
	show := fs.Bool("show", false, "Show the current crypt policy")
	check := fs.Bool("check", false, "Check a passphrase against the policy")
	passFile := fs.String("passphrase-file", "", "Read the passphrase from `file`")

	defaults := cryptutil.DefaultParams()
	mCost := fs.Uint32("m-cost", defaults.MCost, "Argon2id memory cost in KiB")
	tCost := fs.Uint32("t-cost", defaults.TCost, "Argon2id iterations")
	pCost := fs.Uint32("p-cost", defaults.PCost, "Argon2id parallelism")

	return &Command{
		Flags: fs,
		Usage: "key [--plaintext|--show|--check]",
		Short: "Set or inspect the encryption key",
		Long: `Set the crypt policy. Without flags a new salt is generated and the key
is derived from a passphrase with Argon2id. Only the salt, the costs and a
key check are stored; the passphrase is needed again for every crypt run.`,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			modes := 0

			for _, set := range []bool{*plaintext, *show, *check} {
				if set {
					modes++
				}
			}

			if modes > 1 {
				return errKeyModes
			}

			pass := passphraseSource{file: *passFile, env: a.env, prompt: a.prompt}
			store := a.store()

			switch {
			case *show:
				return execKeyShow(o, store)
			case *check:
				return execKeyCheck(o, store, pass)
			case *plaintext:
				policy, err := keys.Set(store, keys.SetOptions{Kind: ledger.KindPlainText})
				if err != nil {
					return err
				}

				o.Println(policy.String())

				return nil
			default:
				secret, err := pass.read(true)
				if err != nil {
					return err
				}
				defer cryptutil.Zero(secret)

				params := cryptutil.Params{MCost: *mCost, TCost: *tCost, PCost: *pCost}

				policy, err := keys.Set(store, keys.SetOptions{Kind: ledger.KindAESArgon2, Passphrase: secret, Params: &params})
				if err != nil {
					return err
				}

				o.Println(policy.Policy().String())

				return nil
			}
		},
	}
}

func execKeyShow(o *IO, store *ledger.Store) error {
	l, err := store.Read()
	if err != nil {
		return err
	}

	o.Println(l.CryptPolicy.String())

	return nil
}

func execKeyCheck(o *IO, store *ledger.Store, pass passphraseSource) error {
	l, err := store.Read()
	if err != nil {
		return err
	}

	secret, err := pass.read(false)
	if err != nil {
		return err
	}
	defer cryptutil.Zero(secret)

	ok, err := keys.Check(l.CryptPolicy, secret)
	if err != nil {
		return err
	}

	if !ok {
		return keys.ErrWrongPassphrase
	}

	o.Println(o.OK("passphrase OK"))

	return nil
}

// unlock returns the run key of the ledger's policy, or nil for plaintext.
func unlock(store *ledger.Store, pass passphraseSource) (*cryptutil.Key, error) {
	l, err := store.Read()
	if err != nil {
		return nil, err
	}

	if l.CryptPolicy.IsPlainText() {
		return nil, nil
	}

	secret, key, err := unlockWithSecret(store, pass)
	cryptutil.Zero(secret)

	return key, err
}

// unlockWithSecret is like unlock but always reads the passphrase and hands
// it back, so versions encrypted under earlier policies can be opened too.
// The caller zeroes the secret.
func unlockWithSecret(store *ledger.Store, pass passphraseSource) ([]byte, *cryptutil.Key, error) {
	l, err := store.Read()
	if err != nil {
		return nil, nil, err
	}

	secret, err := pass.read(false)
	if err != nil {
		return nil, nil, err
	}

	if l.CryptPolicy.IsPlainText() {
		return secret, nil, nil
	}

	policy, err := keys.Unlock(l.CryptPolicy, secret)
	if err != nil {
		cryptutil.Zero(secret)

		return nil, nil, err
	}

	return secret, policy.Key, nil
}
