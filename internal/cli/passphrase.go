package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"
)

// PassphraseEnv names the environment variable holding the passphrase.
const PassphraseEnv = "BKUPMAN_PASSPHRASE"

var (
	errNoPassphrase       = errors.New("passphrase required: use --passphrase-file, " + PassphraseEnv + ", or run on a terminal")
	errPassphraseMismatch = errors.New("passphrases do not match")
	errPromptAborted      = errors.New("aborted")
)

// promptFunc reads one line without echo.
type promptFunc func(prompt string) (string, error)

// terminalPrompt returns a liner-backed prompt if stdin is a terminal, nil
// otherwise.
func terminalPrompt(stdin io.Reader) promptFunc {
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}

	return func(prompt string) (string, error) {
		line := liner.NewLiner()
		defer line.Close()

		line.SetCtrlCAborts(true)

		pw, err := line.PasswordPrompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return "", errPromptAborted
		}

		return pw, err
	}
}

// passphraseSource resolves the passphrase for one command.
type passphraseSource struct {
	file   string
	env    map[string]string
	prompt promptFunc
}

// read returns the passphrase from, in order: the file flag, the environment,
// the terminal. confirm asks twice on the terminal.
func (p passphraseSource) read(confirm bool) ([]byte, error) {
	if p.file != "" {
		data, err := os.ReadFile(p.file)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %w", err)
		}

		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	}

	if v, ok := p.env[PassphraseEnv]; ok && v != "" {
		return []byte(v), nil
	}

	if p.prompt == nil {
		return nil, errNoPassphrase
	}

	first, err := p.prompt("Passphrase: ")
	if err != nil {
		return nil, err
	}

	if confirm {
		second, err := p.prompt("Input again: ")
		if err != nil {
			return nil, err
		}

		if first != second {
			return nil, errPassphraseMismatch
		}
	}

	return []byte(first), nil
}
