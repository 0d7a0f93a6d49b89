package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"filexfer/pkg/utils"

	"github.com/schollz/progressbar/v3"
)

// ProgressUI renders transfer progress as a console progress bar. It
// receives chunk counts from the protocol engine.
type ProgressUI struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	out       io.Writer
	operation string // "Uploading" or "Downloading"
	chunkSize int
	done      uint32
	total     uint32
	startTime time.Time
	finished  bool
}

// NewProgressUI creates a progress display writing to out
func NewProgressUI(operation string, chunkSize int, out io.Writer) *ProgressUI {
	// Don't initialize progress bar yet - wait for the chunk count
	return &ProgressUI{
		out:       out,
		operation: operation,
		chunkSize: chunkSize,
	}
}

// initProgressBar initializes the progress bar once the chunk count is known
func (p *ProgressUI) initProgressBar(total uint32) {
	p.bar = progressbar.NewOptions64(int64(total),
		progressbar.OptionSetDescription(fmt.Sprintf("%s...", p.operation)),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	p.startTime = time.Now()
}

// OnProgress records that done of total chunks are settled
func (p *ProgressUI) OnProgress(done, total uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}
	if total == 0 {
		// nothing to draw for an empty file
		p.done, p.total, p.finished = 0, 0, true
		return
	}
	if p.bar == nil {
		p.initProgressBar(total)
	} else if total != p.total {
		p.bar.ChangeMax64(int64(total))
	}
	p.done, p.total = done, total
	_ = p.bar.Set64(int64(done))

	if done >= total {
		_ = p.bar.Finish()
		p.finished = true
	}
}

// Done returns the last reported chunk counts
func (p *ProgressUI) Done() (done, total uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.total
}

// Summary describes the finished transfer for the console
func (p *ProgressUI) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Duration(0)
	if !p.startTime.IsZero() {
		elapsed = time.Since(p.startTime)
	}
	// the last chunk may be short, so this is an upper bound
	approx := int64(p.done) * int64(p.chunkSize)
	return fmt.Sprintf("%d/%d chunks (up to %s) in %s",
		p.done, p.total, utils.FormatFileSize(approx), elapsed.Round(time.Millisecond))
}
