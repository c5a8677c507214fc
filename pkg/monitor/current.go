package monitor

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// CurrentUpdateInterval is the polling interval of the live view
const CurrentUpdateInterval = 2 * time.Second

const (
	maxProgressBarWidth = 60
	minProgressBarWidth = 10

	// leading spaces, brackets, counter decoration and two counters up to 999
	progressBarExtraSpace = 2 + 2 + 4 + 6

	fullBlock = "█"
	filler    = "·"
)

var partialBlocks = []string{"", "▏", "▎", "▍", "▌", "▋", "▊", "▉"}

// CurrentActivityPrinter keeps a block at the bottom of the terminal that
// shows a progress bar, the resources in progress and the failures so far
type CurrentActivityPrinter struct {
	accounting

	typeWidth int
	block     *rewritableBlock
}

var _ Printer = (*CurrentActivityPrinter)(nil)

// NewCurrentActivityPrinter creates a printer drawing on opts.Out, or on
// stderr when unset. Out should be a terminal.
func NewCurrentActivityPrinter(stackName string, opts PrinterOptions) *CurrentActivityPrinter {
	var out io.Writer = os.Stderr
	if opts.Out != nil {
		out = opts.Out
	}
	return &CurrentActivityPrinter{
		accounting: newAccounting(stackName, opts.ResourcesTotal),
		typeWidth:  opts.ResourceTypeColumnWidth,
		block:      newRewritableBlock(out),
	}
}

func (p *CurrentActivityPrinter) UpdateInterval() time.Duration { return CurrentUpdateInterval }

func (p *CurrentActivityPrinter) Start() {}

func (p *CurrentActivityPrinter) AddActivity(activity StackActivity) {
	p.add(activity)
}

func (p *CurrentActivityPrinter) Print() {
	var lines []string

	width := max(min(p.block.width()-progressBarExtraSpace-1, maxProgressBarWidth), minProgressBarWidth)
	if bar := p.progressBar(width); bar != "" {
		lines = append(lines, "  "+bar, "")
	}

	// Failures stay on screen so the errors show while the stack is still
	// rolling back
	shown := append([]StackActivity(nil), p.failures...)
	for _, activity := range p.resourcesInProgress {
		shown = append(shown, activity)
	}
	sort.SliceStable(shown, func(i, j int) bool {
		return shown[i].Timestamp.Before(shown[j].Timestamp)
	})

	for _, activity := range shown {
		style := statusStyle(activity.ResourceStatus)
		lines = append(lines, fmt.Sprintf("%s | %s | %s | %s%s",
			padLeft(timestampWidth, activity.Timestamp.Local().Format(timeLayout)),
			style.Render(truncatedStatus(activity.ResourceStatus)),
			padRight(p.typeWidth, activity.ResourceType),
			style.Inherit(boldStyle).Render(shorten(nameWidth, displayName(activity))),
			p.failureReasonOnNextLine(activity),
		))
	}

	p.block.displayLines(lines)
}

func (p *CurrentActivityPrinter) Stop() {
	var lines []string
	for _, failure := range p.failures {
		if failure.IsStackEvent {
			continue
		}
		lines = append(lines, redStyle.Render(fmt.Sprintf("%s | %s | %s | %s",
			padLeft(timestampWidth, failure.Timestamp.Local().Format(timeLayout)),
			truncatedStatus(failure.ResourceStatus),
			padRight(p.typeWidth, failure.ResourceType),
			shorten(nameWidth, failure.LogicalResourceID),
		))+p.failureReasonOnNextLine(failure))
		if failure.Metadata != nil && len(failure.Metadata.Trace) > 0 {
			lines = append(lines, redStyle.Render(strings.TrimPrefix(formatTrace(failure.Metadata.Trace), "\n")))
		}
	}

	// Reuse the block so the recap does not leave blank lines behind
	p.block.displayLines(lines)
	p.block.removeEmptyLines()
}

func (p *CurrentActivityPrinter) progressBar(width int) string {
	if p.resourcesTotal == 0 {
		return ""
	}

	fraction := min(float64(p.resourcesDone)/float64(p.resourcesTotal), 1)
	inner := max(1, width-2)
	chars := float64(inner) * fraction
	full := int(chars)
	partial := partialBlocks[int((chars-float64(full))*float64(len(partialBlocks)))]

	fill := inner - full
	if partial != "" {
		fill--
	}

	style := greenStyle
	if p.rollingBack {
		style = yellowStyle
	}
	return fmt.Sprintf("[%s%s] (%d/%d)",
		style.Render(strings.Repeat(fullBlock, full)+partial),
		strings.Repeat(filler, max(fill, 0)),
		p.resourcesDone, p.resourcesTotal)
}

func (p *CurrentActivityPrinter) failureReasonOnNextLine(activity StackActivity) string {
	if !hasErrorMessage(activity.ResourceStatus) {
		return ""
	}
	return "\n" + strings.Repeat(" ", timestampWidth+statusWidth+6) + redStyle.Render(p.failureReason(activity))
}
