package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// IO handles command output. Warnings are collected and printed to stderr
// both before the first stdout line and at the end, so they survive
// truncation by head/tail.
type IO struct {
	out      io.Writer
	errOut   io.Writer
	warnings []string
	started  bool

	// tty is set when errOut is a terminal; enables color and spinners.
	tty  bool
	warn *color.Color
	err  *color.Color
	ok   *color.Color
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer) *IO {
	o := &IO{
		out:    out,
		errOut: errOut,
		tty:    isTerminal(errOut),
		warn:   color.New(color.FgYellow, color.Bold),
		err:    color.New(color.FgRed, color.Bold),
		ok:     color.New(color.FgGreen),
	}

	for _, c := range []*color.Color{o.warn, o.err, o.ok} {
		if o.tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return o
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)

	return ok && term.IsTerminal(int(f.Fd()))
}

// Warn records a warning. Any warning makes Finish return 1.
//
// Output to stdout still occurs - warnings don't suppress normal output.
func (o *IO) Warn(format string, a ...any) {
	o.warnings = append(o.warnings, fmt.Sprintf(format, a...))
}

// Println writes to stdout. On first call, any collected warnings
// are printed to stderr first.
func (o *IO) Println(a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout. On first call, any collected
// warnings are printed to stderr first.
func (o *IO) Printf(format string, a ...any) {
	o.flushWarningsStart()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Error prints an "error:" line to stderr.
func (o *IO) Error(err error) {
	_, _ = fmt.Fprintln(o.errOut, o.err.Sprint("error:"), err)
}

// Errorf prints a formatted "error:" line to stderr.
func (o *IO) Errorf(format string, a ...any) {
	_, _ = fmt.Fprintln(o.errOut, o.err.Sprint("error:"), fmt.Sprintf(format, a...))
}

// OK formats s as a success marker.
func (o *IO) OK(s string) string {
	return o.ok.Sprint(s)
}

// Finish prints warnings to stderr and returns exit code.
// Returns 1 if any warnings, 0 otherwise.
func (o *IO) Finish() int {
	// If no output happened but we have warnings, print them at "start" position
	o.flushWarningsStart()

	// Always print at end
	o.printWarnings()

	if len(o.warnings) > 0 {
		return 1
	}

	return 0
}

func (o *IO) flushWarningsStart() {
	if !o.started && len(o.warnings) > 0 {
		o.printWarnings()
		o.started = true
	}
}

func (o *IO) printWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, o.warn.Sprint("warning:"), w)
	}
}

// Spin shows a spinner with msg on a terminal while fn runs.
func (o *IO) Spin(msg string, fn func() error) error {
	f, ok := o.errOut.(*os.File)
	if !o.tty || !ok {
		return fn()
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriterFile(f))
	s.Suffix = " " + msg
	s.Start()

	err := fn()

	s.Stop()

	return err
}
