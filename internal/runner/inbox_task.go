package runner

import (
	"context"
	"time"

	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/dispatcher"
)

// InboxPoller is the pipeline surface the poll task drives.
type InboxPoller interface {
	Run(ctx context.Context, window time.Duration) (dispatcher.Summary, error)
}

// InboxPollTask runs one mailbox pass per tick.
type InboxPollTask struct {
	poller   InboxPoller
	schedule string
	window   time.Duration
	timeout  time.Duration
}

// NewInboxPollTask builds the poll task. schedule is a six-field cron
// expression; window bounds how far back the unseen search looks.
func NewInboxPollTask(poller InboxPoller, schedule string, window time.Duration) *InboxPollTask {
	if schedule == "" {
		schedule = "0 */2 * * * *"
	}
	return &InboxPollTask{
		poller:   poller,
		schedule: schedule,
		window:   window,
		timeout:  5 * time.Minute,
	}
}

func (t *InboxPollTask) Name() string           { return "inbox-poll" }
func (t *InboxPollTask) Schedule() string       { return t.schedule }
func (t *InboxPollTask) Timeout() time.Duration { return t.timeout }

func (t *InboxPollTask) Run(ctx context.Context) error {
	_, err := t.poller.Run(ctx, t.window)
	return err
}
