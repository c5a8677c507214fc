package monitor

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"
)

// Progress selects how the progress of a stack operation is rendered
type Progress string

const (
	ProgressBar    Progress = "bar"
	ProgressEvents Progress = "events"
)

// ParseProgress validates a progress setting. An empty value selects the bar.
func ParseProgress(s string) (Progress, error) {
	switch Progress(s) {
	case "", ProgressBar:
		return ProgressBar, nil
	case ProgressEvents:
		return ProgressEvents, nil
	}
	return "", fmt.Errorf("unknown progress style %q, expected %q or %q", s, ProgressBar, ProgressEvents)
}

// DefaultPrinterOptions drives the choice of printer
type DefaultPrinterOptions struct {
	StackName               string
	ResourcesTotal          int
	ResourceTypeColumnWidth int

	Progress Progress
	Verbose  bool
	CI       bool

	// Out overrides the stream chosen by default: stdout in CI, stderr
	// otherwise
	Out *os.File
}

// NewDefaultPrinter returns the live view on an interactive terminal and the
// event log everywhere else
func NewDefaultPrinter(opts DefaultPrinterOptions) Printer {
	out := opts.Out
	if out == nil {
		out = os.Stderr
		if opts.CI {
			out = os.Stdout
		}
	}

	printerOpts := PrinterOptions{
		Out:                     out,
		ResourcesTotal:          opts.ResourcesTotal,
		ResourceTypeColumnWidth: opts.ResourceTypeColumnWidth,
	}

	fancy := isTerminal(out) && !opts.CI && runtime.GOOS != "windows"
	if fancy && !opts.Verbose && opts.Progress != ProgressEvents {
		return NewCurrentActivityPrinter(opts.StackName, printerOpts)
	}
	return NewHistoryActivityPrinter(opts.StackName, printerOpts)
}

// IsCI reports whether the process runs in a CI environment
func IsCI() bool {
	v := strings.ToLower(os.Getenv("CI"))
	return v != "" && v != "false" && v != "0"
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
