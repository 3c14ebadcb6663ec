package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// reminderWindow bounds both sides of the reminder rule: remind when less
// than 24h remain, at most once per rolling 24h.
const reminderWindow = 24 * time.Hour

// Sweeper periodically reminds owners of approaching deadlines. It only
// reads assignment status and writes the lastReminderAt watermark; it never
// transitions status.
type Sweeper struct {
	Engine   Engine
	Interval time.Duration
	Log      *log.Logger
}

func NewSweeper(e Engine) *Sweeper {
	interval := time.Hour
	if e.Config != nil {
		interval = e.Config.SweepInterval()
	}
	return &Sweeper{
		Engine:   e,
		Interval: interval,
		Log:      log.New(os.Stderr, "sweeper ", log.LstdFlags),
	}
}

// Run sweeps on every tick until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := s.Engine.SweepDeadlines(ctx)
			if err != nil {
				s.Log.Printf("sweep: %v", err)
				continue
			}
			if sent > 0 {
				s.Log.Printf("sweep: sent %d reminder(s)", sent)
			}
		}
	}
}

// SweepDeadlines runs one sweep over a snapshot of in-progress assignments
// with deadlines and returns the number of reminders sent. The watermark is
// written before the notification so a slow delivery cannot double-remind a
// later sweep.
func (e Engine) SweepDeadlines(ctx context.Context) (int, error) {
	now := e.now().UTC()
	due, err := e.Repo.ListDueAssignments(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, a := range due {
		if a.Deadline == nil {
			continue
		}
		deadline, err := time.Parse(time.RFC3339, *a.Deadline)
		if err != nil {
			continue
		}
		if deadline.Sub(now) >= reminderWindow {
			continue
		}
		if a.LastReminderAt != nil {
			last, err := time.Parse(time.RFC3339, *a.LastReminderAt)
			if err == nil && now.Sub(last) <= reminderWindow {
				continue
			}
		}
		// Rows removed since the snapshot make this a no-op.
		if err := e.Repo.SetLastReminder(ctx, a.ID, now.Format(time.RFC3339)); err != nil {
			return sent, err
		}
		text := fmt.Sprintf("Reminder: assignment %s is due %s.", a.ID, deadline.Format(time.RFC1123))
		e.Notify.Channel(ctx, a.ChannelID, text)
		e.Notify.Owner(ctx, a.OwnerID, text)
		sent++
	}
	return sent, nil
}
