package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
)

// State is the lifecycle state of a Monitor
type State int

const (
	Idle State = iota
	Ticking
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ticking:
		return "ticking"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Options configures a Monitor
type Options struct {
	StackName string

	// Artifact supplies construct paths for display. Optional.
	Artifact *assembly.StackArtifact

	// StartTime excludes events from earlier operations. Defaults to now.
	StartTime time.Time

	// Interval overrides the printer's update interval
	Interval time.Duration

	Logger zerolog.Logger
}

// Monitor polls the events of a stack operation on a fixed interval, feeds
// them to a printer and collects the failure reasons it sees
type Monitor struct {
	poller   *EventPoller
	printer  Printer
	artifact *assembly.StackArtifact
	stack    string
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	errors []string

	stop chan struct{}
	done chan struct{}
}

// New creates a monitor. Nothing is polled until Start.
func New(client cfn.EventsAPI, printer Printer, opts Options) *Monitor {
	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = printer.UpdateInterval()
	}

	return &Monitor{
		poller:   NewEventPoller(client, PollerOptions{StackName: opts.StackName, StartTime: start}),
		printer:  printer,
		artifact: opts.Artifact,
		stack:    opts.StackName,
		interval: interval,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Errors returns the failure reasons seen so far, oldest first
func (m *Monitor) Errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errors...)
}

// Start begins the poll loop. It does nothing unless the monitor is idle.
func (m *Monitor) Start(ctx context.Context) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return m
	}
	m.state = Ticking
	m.printer.Start()

	go m.run(ctx)
	return m
}

// Stop ends the poll loop. It waits for a poll in flight, polls once more to
// pick up events emitted since the last tick and flushes the printer. The
// final poll runs even when ctx is already cancelled.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	switch m.state {
	case Idle:
		m.state = Stopped
		m.mu.Unlock()
		return
	case Draining, Stopped:
		m.mu.Unlock()
		return
	}
	m.state = Draining
	m.mu.Unlock()

	close(m.stop)
	<-m.done

	if err := m.readNewEvents(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error().Err(err).Str("stack", m.stack).Msg("error occurred while monitoring stack")
	}
	m.printer.Stop()

	m.mu.Lock()
	m.state = Stopped
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
		}

		m.tick(ctx)
		timer.Reset(m.interval)
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if err := m.readNewEvents(ctx); err != nil {
		// A failed poll is retried on the next tick
		m.logger.Error().Err(err).Str("stack", m.stack).Msg("error occurred while monitoring stack")
		return
	}
	if m.State() != Ticking {
		return
	}
	m.printer.Print()
}

func (m *Monitor) readNewEvents(ctx context.Context) error {
	activities, err := m.poller.Poll(ctx)
	if err != nil {
		return err
	}

	for _, activity := range activities {
		activity.Metadata = m.findMetadataFor(activity.LogicalResourceID)
		m.checkForErrors(activity)
		m.printer.AddActivity(activity)
	}
	return nil
}

func (m *Monitor) checkForErrors(activity StackActivity) {
	if !hasErrorMessage(activity.ResourceStatus) {
		return
	}
	if isCancelled(activity.StatusReason) {
		return
	}
	// The stack's own failure event just says that resources failed
	if activity.StackName == activity.LogicalResourceID {
		return
	}

	m.mu.Lock()
	m.errors = append(m.errors, activity.StatusReason)
	m.mu.Unlock()
}

func (m *Monitor) findMetadataFor(logicalID string) *ResourceMetadata {
	if m.artifact == nil || logicalID == "" {
		return nil
	}
	path, trace, ok := m.artifact.ConstructPathForLogicalID(logicalID)
	if !ok {
		return nil
	}
	return &ResourceMetadata{
		ConstructPath: simplifyConstructPath(path, m.stack),
		Trace:         trace,
	}
}

// simplifyConstructPath drops the parts of a construct path that every
// resource of the stack shares
func simplifyConstructPath(path, stackName string) string {
	path = strings.TrimSuffix(path, "/Resource")
	path = strings.TrimPrefix(path, "/")
	if stackName != "" {
		path = strings.TrimPrefix(path, stackName+"/")
	}
	return path
}
