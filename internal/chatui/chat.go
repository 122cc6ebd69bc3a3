package chatui

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/conclave/internal/director"
	"github.com/vinayprograms/conclave/internal/report"
	"github.com/vinayprograms/conclave/internal/session"
	"github.com/vinayprograms/conclave/internal/worker"
)

// Chat drives one conversation for a front end. Commands only read director
// state; messages run a full turn.
type Chat struct {
	director *director.Director
	registry *worker.Registry
	store    *session.FileStore
	logger   *logging.Logger

	mu      sync.Mutex
	turns   []report.TurnSummary
	stopped bool
	saved   string
	savedAt int // len(turns) at the last save

	onTurn func(director.TurnResult)
}

// NewChat creates a controller. store may be nil, in which case nothing is
// persisted.
func NewChat(d *director.Director, registry *worker.Registry, store *session.FileStore) *Chat {
	return &Chat{
		director: d,
		registry: registry,
		store:    store,
		logger:   logging.New().WithComponent("chat"),
	}
}

// OnTurn registers fn to run after every turn.
func (c *Chat) OnTurn(fn func(director.TurnResult)) {
	c.onTurn = fn
}

// Director returns the conversation's director.
func (c *Chat) Director() *director.Director { return c.director }

// Stopped reports whether the conversation was stopped.
func (c *Chat) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Send runs one turn and returns the reply.
func (c *Chat) Send(ctx context.Context, text string) (string, report.TurnSummary) {
	reply, res := c.director.Respond(ctx, text)
	summary := report.SummarizeTurn(res)
	c.mu.Lock()
	c.turns = append(c.turns, summary)
	c.mu.Unlock()
	c.logger.Debug("turn complete", map[string]interface{}{
		"conversation": c.director.ID(),
		"exchange":     res.Exchange,
		"mode":         res.Mode,
		"called":       len(res.Called),
	})
	if c.onTurn != nil {
		c.onTurn(res)
	}
	return reply, summary
}

// Status renders the short status.
func (c *Chat) Status() string {
	return report.Status(c.director.Snapshot())
}

// DeepReport renders the full report at width.
func (c *Chat) DeepReport(width int) string {
	c.mu.Lock()
	turns := append([]report.TurnSummary(nil), c.turns...)
	c.mu.Unlock()
	return report.Deep(report.Report{
		Snapshot:   c.director.Snapshot(),
		Workers:    c.registry.Descriptors(),
		Turns:      turns,
		Transcript: c.director.Transcript(),
		Generated:  time.Now(),
	}, width)
}

// Stop ends the conversation and saves it. Saving again after new messages
// overwrites the file; an unchanged conversation is saved once.
func (c *Chat) Stop() (string, error) {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return c.save()
}

// Close saves the conversation if it has any exchanges.
func (c *Chat) Close() (string, error) {
	if c.director.Snapshot().Exchange == 0 {
		return "", nil
	}
	return c.save()
}

func (c *Chat) save() (string, error) {
	if c.store == nil {
		return "", nil
	}
	snap := c.director.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved != "" && c.savedAt == len(c.turns) {
		return c.saved, nil
	}
	path, err := c.store.Save(snap.ID, c.director.Transcript(), map[string]interface{}{
		"stage":       int(snap.Stage),
		"exchanges":   snap.Exchange,
		"phase":       string(snap.Protocol.Phase),
		"problem":     snap.Protocol.Artifacts.Problem,
		"crux":        snap.Protocol.Artifacts.Crux,
		"action":      snap.Protocol.Artifacts.Action,
		"call_counts": snap.CallCounts,
	})
	if err != nil {
		c.logger.Error("failed to save conversation", map[string]interface{}{
			"conversation": snap.ID,
			"error":        err.Error(),
		})
		return "", err
	}
	c.saved = path
	c.savedAt = len(c.turns)
	c.logger.Info("conversation saved", map[string]interface{}{"conversation": snap.ID, "path": path})
	return path, nil
}
