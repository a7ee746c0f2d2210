package cn

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Symbol outcomes recorded in the .progress file.
const (
	statusDone  = "done"
	statusEmpty = "empty"
)

// progressTracker persists per-symbol outcomes of the current gathering pass
// in .progress, the day that pass targets in .target and the last fully
// gathered trading day in .last-completed, so an interrupted pass resumes
// where it stopped.
type progressTracker struct {
	mu       sync.Mutex
	status   map[string]string // symbol -> done|empty
	writer   *bufio.Writer
	file     *os.File
	dailyDir string // <DataDir>/cn/daily
}

// newProgressTracker creates a tracker rooted at dailyDir and loads any
// outcomes left by an interrupted pass.
func newProgressTracker(dailyDir string) (*progressTracker, error) {
	if err := os.MkdirAll(dailyDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating daily dir: %w", err)
	}

	pt := &progressTracker{
		status:   make(map[string]string),
		dailyDir: dailyDir,
	}

	data, err := os.ReadFile(pt.progressPath())
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			sym, status, ok := strings.Cut(strings.TrimSpace(line), "\t")
			if ok && sym != "" {
				pt.status[sym] = status
			}
		}
	}

	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) progressPath() string {
	return filepath.Join(p.dailyDir, ".progress")
}

func (p *progressTracker) completedPath() string {
	return filepath.Join(p.dailyDir, ".last-completed")
}

func (p *progressTracker) targetPath() string {
	return filepath.Join(p.dailyDir, ".target")
}

// Begin starts or resumes the pass gathering up to date. Outcomes recorded
// for a different target are discarded.
func (p *progressTracker) Begin(date string) error {
	data, err := os.ReadFile(p.targetPath())
	if err == nil && strings.TrimSpace(string(data)) == date {
		return nil
	}
	if err := p.Reset(); err != nil {
		return err
	}
	return os.WriteFile(p.targetPath(), []byte(date), 0o644)
}

func (p *progressTracker) open() error {
	f, err := os.OpenFile(p.progressPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening .progress: %w", err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// Seen reports whether symbol already has an outcome in this pass.
func (p *progressTracker) Seen(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.status[symbol]
	return ok
}

// Status returns the recorded outcome of symbol, if any.
func (p *progressTracker) Status(symbol string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[symbol]
	return s, ok
}

// Mark records the outcome of symbol and flushes it to disk.
func (p *progressTracker) Mark(symbol, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status[symbol] = status
	if _, err := fmt.Fprintf(p.writer, "%s\t%s\n", symbol, status); err != nil {
		return fmt.Errorf("writing to .progress: %w", err)
	}
	return p.writer.Flush()
}

// MarkCompleted writes the given date to .last-completed.
func (p *progressTracker) MarkCompleted(date string) error {
	return os.WriteFile(p.completedPath(), []byte(date), 0o644)
}

// LastCompleted returns the date in .last-completed, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(p.completedPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset discards all recorded outcomes, on disk and in memory.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.status = make(map[string]string)
	if err := os.Remove(p.progressPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing .progress: %w", err)
	}
	return p.open()
}

// Close flushes and closes the .progress file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
