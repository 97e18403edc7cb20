package ws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/peterh/liner"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/bingosuite/idews/config"
)

// Responder decides when a recognized crash event may be acknowledged. The
// hub sends debug_finished once Respond returns nil.
type Responder interface {
	Respond(ctx context.Context, event Recognized) error
}

// ImmediateResponder acknowledges every event at once.
type ImmediateResponder struct{}

func (ImmediateResponder) Respond(context.Context, Recognized) error { return nil }

// InteractiveResponder asks the operator on the terminal to confirm that the
// debug session is finished before the acknowledgment goes out.
type InteractiveResponder struct {
	mu     sync.Mutex
	prompt func(string) (string, error)
}

func NewInteractiveResponder(state *liner.State) *InteractiveResponder {
	return &InteractiveResponder{prompt: state.Prompt}
}

func (r *InteractiveResponder) Respond(ctx context.Context, event Recognized) error {
	// one prompt at a time; concurrent crashes queue up here
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	text := fmt.Sprintf("%s for %s (%s %s), press Enter when debugging is finished: ",
		event.Event, reprValue(event.Prog), event.DetailField(), reprValue(event.Detail))
	if _, err := r.prompt(text); err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return fmt.Errorf("acknowledgment aborted by operator: %w", err)
		}
		return fmt.Errorf("failed to read operator confirmation: %w", err)
	}
	return nil
}

// NewResponder builds the responder for the configured ack mode. Interactive
// mode needs a terminal on stdin; without one it degrades to immediate. The
// returned close function releases the terminal and is always non-nil.
func NewResponder(mode string, logger *zap.Logger) (Responder, func() error) {
	noop := func() error { return nil }

	switch mode {
	case config.AckInteractive:
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			logger.Warn("Interactive acknowledgment needs a terminal, falling back to immediate")
			return ImmediateResponder{}, noop
		}
		state := liner.NewLiner()
		state.SetCtrlCAborts(true)
		return NewInteractiveResponder(state), state.Close
	default:
		return ImmediateResponder{}, noop
	}
}
