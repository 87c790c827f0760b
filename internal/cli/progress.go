package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/wustus/vibes/internal/app/session"
)

// ─── Stage Progress ─────────────────────────────────────────────────────────
// Renders session events as one status line per stage:
//   [==>.....] elect      started  +1.2s
//   [====>...] elect      done     +3.4s

var stageOrder = []session.Stage{
	session.StageDiscover,
	session.StageElect,
	session.StageSync,
	session.StageStart,
}

const barWidth = 24

type progress struct {
	mu  sync.Mutex
	out io.Writer
}

func newProgress(out io.Writer) *progress {
	return &progress{out: out}
}

// observe is a session.Observer.
func (p *progress) observe(ev session.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := stageIndex(ev.Stage)
	if ev.Status == session.EventStarted {
		done--
	}

	status := ev.Status
	switch ev.Status {
	case session.EventCompleted:
		status = "done"
	case session.EventFailed:
		status = "FAILED: " + ev.Error
	}
	fmt.Fprintf(p.out, "%s %-9s %-8s %s\n", bar(done), ev.Stage, status, formatElapsed(ev.Elapsed))
}

// stageIndex returns how many stages are complete once stage completes.
func stageIndex(stage session.Stage) int {
	if stage == session.StageDone {
		return len(stageOrder)
	}
	for i, s := range stageOrder {
		if s == stage {
			return i + 1
		}
	}
	return 0
}

func bar(done int) string {
	done = max(0, min(done, len(stageOrder)))
	filled := done * barWidth / len(stageOrder)
	switch {
	case filled == barWidth:
		return "[" + strings.Repeat("=", barWidth) + "]"
	case filled > 0:
		return "[" + strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", barWidth-filled) + "]"
	default:
		return "[" + strings.Repeat(".", barWidth) + "]"
	}
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("+%dms", d.Milliseconds())
	}
	return fmt.Sprintf("+%.1fs", d.Seconds())
}
