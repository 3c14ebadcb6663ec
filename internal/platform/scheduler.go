package platform

import (
	"context"
	"sync"
	"time"
)

// ScheduledMessage is a one-shot broadcast pending delivery. It can be
// canceled until the timer fires.
type ScheduledMessage struct {
	ChannelID string
	FireAt    time.Time

	timer    *time.Timer
	once     sync.Once
	done     chan struct{}
	err      error
	canceled bool
}

// Schedule queues text for delivery to channelID after delay.
func Schedule(p Platform, channelID, text string, delay time.Duration) *ScheduledMessage {
	m := &ScheduledMessage{
		ChannelID: channelID,
		FireAt:    time.Now().Add(delay),
		done:      make(chan struct{}),
	}
	m.timer = time.AfterFunc(delay, func() {
		err := p.SendChannelMessage(context.Background(), channelID, text)
		m.once.Do(func() {
			m.err = err
			close(m.done)
		})
	})
	return m
}

// Cancel stops delivery if the message has not fired. Reports whether it
// was stopped.
func (m *ScheduledMessage) Cancel() bool {
	if !m.timer.Stop() {
		return false
	}
	m.once.Do(func() {
		m.canceled = true
		close(m.done)
	})
	return true
}

// Done is closed once the message has been delivered, failed, or been
// canceled.
func (m *ScheduledMessage) Done() <-chan struct{} { return m.done }

// Canceled reports whether Cancel stopped delivery. Valid after Done.
func (m *ScheduledMessage) Canceled() bool { return m.canceled }

// Err is the delivery outcome. Valid after Done.
func (m *ScheduledMessage) Err() error { return m.err }
