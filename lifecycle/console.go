package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// ConsoleFrame is one console line as delivered to subscribers.
type ConsoleFrame struct {
	ExecutionID string    `json:"execution_id"`
	AppID       string    `json:"app_id"`
	Stream      string    `json:"stream"`
	Data        string    `json:"data"`
	TS          time.Time `json:"ts"`
}

// consoleFeed broadcasts one execution's console to any number of
// subscribers.  The sandbox log stream is read exactly once (by the pump);
// a subscriber that cannot keep up is dropped, never allowed to block the
// source.
type consoleFeed struct {
	executionID string
	appID       string
	buffer      int

	mu      sync.Mutex
	subs    map[int]chan ConsoleFrame
	nextSub int
	closed  bool
}

func newConsoleFeed(executionID, appID string, buffer int) *consoleFeed {
	if buffer <= 0 {
		buffer = 256
	}
	return &consoleFeed{
		executionID: executionID,
		appID:       appID,
		buffer:      buffer,
		subs:        make(map[int]chan ConsoleFrame),
	}
}

// attach registers a subscriber and returns its id and frame channel.
// The channel is closed when the feed ends or the subscriber falls behind.
func (f *consoleFeed) attach() (int, <-chan ConsoleFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan ConsoleFrame, f.buffer)
	if f.closed {
		close(ch)
		return id, ch
	}
	f.subs[id] = ch
	return id, ch
}

func (f *consoleFeed) detach(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *consoleFeed) publish(frame ConsoleFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- frame:
		default:
			// Slow subscriber: drop it rather than block the pump.
			delete(f.subs, id)
			close(ch)
			log.Printf("lifecycle: dropped slow console subscriber %d for %s", id, f.executionID)
		}
	}
}

func (f *consoleFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// startPump attaches to the sandbox log stream and runs the single reader
// for the execution: every line is persisted to the log ring and broadcast
// to subscribers.  tail=true resumes from the current tail (handle rebuild
// after a supervisor restart).
func (m *Manager) startPump(h *Handle, tail bool) {
	ctx, cancel := context.WithCancel(m.runCtx)
	h.cancelPump = cancel
	h.feed = newConsoleFeed(h.ExecutionID, h.AppID, m.cfg.ConsoleBuffer)

	lines, err := m.drv.AttachLogs(ctx, h.ContainerHandle, tail)
	if err != nil {
		// Console loss never blocks lifecycle progress.
		log.Printf("lifecycle: attach logs for %s: %v", h.AppID, err)
		cancel()
		return
	}

	go func() {
		defer h.feed.close()
		for line := range lines {
			if err := m.st.AppendLog(ctx, h.AppID, h.ExecutionID, line.Stream, line.Data); err != nil {
				log.Printf("lifecycle: append log for %s: %v", h.AppID, err)
			}
			h.feed.publish(ConsoleFrame{
				ExecutionID: h.ExecutionID,
				AppID:       h.AppID,
				Stream:      line.Stream,
				Data:        string(line.Data),
				TS:          line.TS,
			})
		}
	}()
}

func (m *Manager) stopPump(h *Handle) {
	if h == nil {
		return
	}
	if h.cancelPump != nil {
		h.cancelPump()
	}
	if h.feed != nil {
		h.feed.close()
	}
}

// SubscribeConsole attaches to the console feed of a live execution.
// The id accepts either an execution id or an app id.
func (m *Manager) SubscribeConsole(id string) (int, <-chan ConsoleFrame, error) {
	h := m.live.resolve(id)
	if h == nil || h.feed == nil {
		return 0, nil, opErr(KindNotFound, "no live execution for %s", id)
	}
	subID, ch := h.feed.attach()
	return subID, ch, nil
}

// UnsubscribeConsole detaches a console subscriber.
func (m *Manager) UnsubscribeConsole(id string, subID int) {
	h := m.live.resolve(id)
	if h != nil && h.feed != nil {
		h.feed.detach(subID)
	}
}
