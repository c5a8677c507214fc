package monitor

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultInProgressDelay is how long the history printer stays silent
// before it lists the resources that are still in progress
const DefaultInProgressDelay = 30 * time.Second

// HistoryActivityPrinter prints every event as a line of a log, and the
// resources still in progress whenever nothing happened for a while
type HistoryActivityPrinter struct {
	accounting

	out             io.Writer
	typeWidth       int
	inProgressDelay time.Duration
	now             func() time.Time

	pending []StackActivity

	lastPrint time.Time
	// inProgressShown suppresses the in-progress line until the next event
	inProgressShown bool
}

var _ Printer = (*HistoryActivityPrinter)(nil)

// NewHistoryActivityPrinter creates a printer writing to opts.Out, or to
// stderr when unset
func NewHistoryActivityPrinter(stackName string, opts PrinterOptions) *HistoryActivityPrinter {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	return &HistoryActivityPrinter{
		accounting:      newAccounting(stackName, opts.ResourcesTotal),
		out:             out,
		typeWidth:       opts.ResourceTypeColumnWidth,
		inProgressDelay: DefaultInProgressDelay,
		now:             time.Now,
		lastPrint:       time.Now(),
	}
}

func (p *HistoryActivityPrinter) UpdateInterval() time.Duration { return DefaultUpdateInterval }

func (p *HistoryActivityPrinter) Start() {}

func (p *HistoryActivityPrinter) AddActivity(activity StackActivity) {
	p.add(activity)
	p.pending = append(p.pending, activity)
	p.Print()
}

func (p *HistoryActivityPrinter) Print() {
	for _, activity := range p.pending {
		p.printOne(activity, true)
	}
	p.pending = nil
	p.printInProgress()
}

func (p *HistoryActivityPrinter) Stop() {
	if len(p.failures) == 0 {
		return
	}
	fmt.Fprint(p.out, "\nFailed resources:\n")
	for _, failure := range p.failures {
		// The stack's own failure only echoes the resource failures
		if failure.IsStackEvent {
			continue
		}
		p.printOne(failure, false)
	}
}

func (p *HistoryActivityPrinter) printOne(activity StackActivity, withProgress bool) {
	style := statusStyle(activity.ResourceStatus)
	reasonStyle := plainStyle
	if hasErrorMessage(activity.ResourceStatus) {
		reasonStyle = redStyle
	}

	progress := ""
	if withProgress {
		progress = p.progress() + " | "
	}

	name := displayName(activity)
	logicalID := ""
	if name != activity.LogicalResourceID {
		logicalID = fmt.Sprintf("(%s) ", activity.LogicalResourceID)
	}

	trace := ""
	if activity.Metadata != nil && len(activity.Metadata.Trace) > 0 && strings.Contains(activity.ResourceStatus, "FAILED") {
		trace = formatTrace(activity.Metadata.Trace)
	}

	fmt.Fprintf(p.out, "%s | %s%s | %s | %s | %s %s%s%s\n",
		activity.StackName,
		progress,
		activity.Timestamp.Local().Format(timeLayout),
		style.Render(truncatedStatus(activity.ResourceStatus)),
		padRight(p.typeWidth, activity.ResourceType),
		style.Inherit(boldStyle).Render(name),
		logicalID,
		reasonStyle.Inherit(boldStyle).Render(p.failureReason(activity)),
		trace,
	)

	p.lastPrint = p.now()
	p.inProgressShown = false
}

func (p *HistoryActivityPrinter) printInProgress() {
	if p.inProgressShown || p.now().Sub(p.lastPrint) < p.inProgressDelay {
		return
	}

	if len(p.resourcesInProgress) > 0 {
		ids := make([]string, 0, len(p.resourcesInProgress))
		for id := range p.resourcesInProgress {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(p.out, "%s Currently in progress: %s\n", p.progress(), boldStyle.Render(strings.Join(ids, ", ")))
	}
	p.inProgressShown = true
}

// progress renders "done/total", or a running count when the total is
// unknown
func (p *HistoryActivityPrinter) progress() string {
	if p.resourcesTotal == 0 {
		return padLeft(3, strconv.Itoa(p.resourcesDone))
	}
	digits := p.resourceDigits()
	return fmt.Sprintf("%s/%s", padLeft(digits, strconv.Itoa(p.resourcesDone)), padLeft(digits, strconv.Itoa(p.resourcesTotal)))
}
