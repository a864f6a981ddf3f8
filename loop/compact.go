package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/model"
)

// Compactor folds an oversized message history into a shorter equivalent
// before the next model call. Implementations must preserve the trailing
// messages the model needs to continue the current exchange.
type Compactor interface {
	Compact(ctx context.Context, msgs []core.Message) ([]core.Message, error)
}

// SummaryCompactorOptions configure a SummaryCompactor.
type SummaryCompactorOptions struct {
	// KeepRecent is the number of trailing messages carried over verbatim.
	KeepRecent int
}

// SummaryCompactor replaces older history with a model-written summary,
// keeping the most recent messages verbatim so in-flight tool exchanges
// survive compaction.
type SummaryCompactor struct {
	model model.Model
	opts  SummaryCompactorOptions
}

// NewSummaryCompactor creates a compactor that summarizes with the given model.
func NewSummaryCompactor(m model.Model, optFns ...func(o *SummaryCompactorOptions)) *SummaryCompactor {
	opts := SummaryCompactorOptions{KeepRecent: 4}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &SummaryCompactor{model: m, opts: opts}
}

// Compact implements Compactor.
func (c *SummaryCompactor) Compact(ctx context.Context, msgs []core.Message) ([]core.Message, error) {
	if len(msgs) <= c.opts.KeepRecent+1 {
		return msgs, nil
	}

	cut := len(msgs) - c.opts.KeepRecent
	older := msgs[:cut]
	recent := msgs[cut:]

	var sb strings.Builder
	sb.WriteString("Summarize the following conversation so a model can continue it seamlessly. ")
	sb.WriteString("Preserve decisions, open tasks, file names and tool outcomes.\n\n")
	for _, msg := range older {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Text())
	}

	respCh, errCh := c.model.Generate(ctx, model.Request{
		Messages: []core.Message{core.NewUserMessage(sb.String())},
	})

	var summary string
	for resp := range respCh {
		if !resp.Partial {
			summary = resp.Message.Text()
		}
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("compaction failed: %w", err)
	}

	compacted := make([]core.Message, 0, c.opts.KeepRecent+1)
	compacted = append(compacted, core.NewUserMessage("Summary of the conversation so far:\n"+summary))
	compacted = append(compacted, recent...)

	return compacted, nil
}
