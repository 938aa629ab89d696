package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"livebot/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxStack    = 900
	chatMaxValue    = 600
)

type chatLine struct {
	to  string
	msg string
}

// chatSink state is guarded by Service.mu.
type chatSink struct {
	sender   transport.Sender
	target   string
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan chatLine
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startLocked launches the worker once. Later calls are no-ops.
func (c *chatSink) startLocked(s *Service) {
	if c.queue != nil {
		return
	}
	c.queue = make(chan chatLine, chatQueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.chatWorker(ctx, c.queue)
	}()
}

// stopLocked detaches the worker and returns a func that waits for it.
func (c *chatSink) stopLocked() func() {
	cancel := c.cancel
	c.cancel = nil
	if cancel == nil {
		return func() {}
	}
	return func() {
		cancel()
		c.wg.Wait()
	}
}

func (s *Service) chatWorker(ctx context.Context, queue <-chan chatLine) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-queue:
			s.mu.Lock()
			sender := s.chat.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = sender.Send(sctx, line.to, transport.Message{Text: line.msg, DisablePreview: true})
			cancel()
		}
	}
}

// enqueueChatLine drops the line when the queue is full; logging never
// waits on the network.
func (s *Service) enqueueChatLine(to, msg string) {
	s.mu.Lock()
	q := s.chat.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- chatLine{to: to, msg: msg}:
	default:
	}
}

// chatWriter is the zerolog.LevelWriter feeding the chat sink.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	target, lim, floor := s.chat.target, s.chat.limiter, s.chat.minLevel
	s.mu.Unlock()

	if target == "" || lim == nil || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatChatJSON(p); msg != "" {
		s.enqueueChatLine(target, msg)
	}
	return len(p), nil
}

// formatChatJSON renders one zerolog JSON line as "[LEVEL] message" followed
// by one "- key=value" line per field. Non-JSON input is sent trimmed.
func formatChatJSON(p []byte) string {
	line := bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		return truncate(string(line), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, chatMaxStack))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, chatMaxValue))
	}
	return truncate(b.String(), chatMaxLen)
}

// truncate cuts s to n bytes, marking the cut with "..." when room allows.
func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
