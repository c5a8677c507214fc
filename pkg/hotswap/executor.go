package hotswap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	maxConcurrentHotswaps = 10
	icon                  = "✨"
)

var (
	boldStyle  = lipgloss.NewStyle().Bold(true)
	greenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	redStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Executor applies hotswappable changes
type Executor struct {
	clients *Clients
	logger  zerolog.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewExecutor creates an executor printing progress to out
func NewExecutor(clients *Clients, out io.Writer, logger zerolog.Logger) *Executor {
	return &Executor{clients: clients, out: out, logger: logger}
}

// ApplyAll applies every change, at most ten at a time. The first error is
// returned once all started operations have finished; a failure does not
// cancel the others.
func (x *Executor) ApplyAll(ctx context.Context, changes []*Hotswappable) error {
	if len(changes) == 0 {
		return nil
	}
	x.printf("\n%s hotswapping resources:\n", icon)

	var g errgroup.Group
	g.SetLimit(maxConcurrentHotswaps)
	for _, change := range changes {
		g.Go(func() error {
			return x.apply(ctx, change)
		})
	}
	return g.Wait()
}

func (x *Executor) apply(ctx context.Context, change *Hotswappable) error {
	// The marker stays on a failed attempt so the provider sees which one failed
	agent := "cdk-hotswap/success-" + change.Service
	x.clients.appendUserAgent(agent)

	for _, name := range change.ResourceNames {
		x.printf("   %s %s\n", icon, boldStyle.Render(name))
	}

	x.logger.Debug().Str("service", change.Service).Strs("props", change.PropsChanged).Msg("applying hotswap")
	if err := change.Apply(ctx, x.clients); err != nil {
		var waiterErr *WaiterError
		if errors.As(err, &waiterErr) {
			return &ApplyError{Name: waiterErr.Name, State: waiterErr.State, Reason: waiterErr.Reason, Err: err}
		}
		return err
	}

	for _, name := range change.ResourceNames {
		x.printf("%s %s %s\n", icon, boldStyle.Render(name), greenStyle.Render("hotswapped!"))
	}
	x.clients.removeUserAgent(agent)
	return nil
}

func (x *Executor) printf(format string, args ...any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fmt.Fprintf(x.out, format, args...)
}
