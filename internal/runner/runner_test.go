package runner

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/dispatcher"
)

type tickTask struct {
	name     string
	schedule string
	runs     atomic.Int32
	err      error
}

func (t *tickTask) Name() string           { return t.name }
func (t *tickTask) Schedule() string       { return t.schedule }
func (t *tickTask) Timeout() time.Duration { return time.Second }

func (t *tickTask) Run(ctx context.Context) error {
	t.runs.Add(1)
	return t.err
}

func TestRunnerExecutesScheduledTask(t *testing.T) {
	task := &tickTask{name: "tick", schedule: "* * * * * *"} // every second
	r := NewRunner(WithLogger(log.New(io.Discard, "", 0)))
	r.Add(task)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	err := r.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, task.runs.Load(), int32(1))
}

func TestRunnerRejectsBadSchedule(t *testing.T) {
	r := NewRunner(WithLogger(log.New(io.Discard, "", 0)))
	r.Add(&tickTask{name: "bad", schedule: "not a schedule"})

	err := r.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "schedule task bad")
}

func TestRunnerTaskFailureDoesNotStopScheduler(t *testing.T) {
	failing := &tickTask{name: "fail", schedule: "* * * * * *", err: errors.New("boom")}
	r := NewRunner(WithLogger(log.New(io.Discard, "", 0)))
	r.Add(failing)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	err := r.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, failing.runs.Load(), int32(2), "keeps firing after a failure")
}

type recordingPoller struct {
	window time.Duration
	err    error
}

func (p *recordingPoller) Run(ctx context.Context, window time.Duration) (dispatcher.Summary, error) {
	p.window = window
	return dispatcher.Summary{}, p.err
}

func TestInboxPollTask(t *testing.T) {
	poller := &recordingPoller{}
	task := NewInboxPollTask(poller, "", 48*time.Hour)

	require.Equal(t, "inbox-poll", task.Name())
	require.Equal(t, "0 */2 * * * *", task.Schedule())

	require.NoError(t, task.Run(context.Background()))
	require.Equal(t, 48*time.Hour, poller.window)

	poller.err = errors.New("imap down")
	require.Error(t, task.Run(context.Background()))
}
