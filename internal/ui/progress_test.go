package ui

import (
	"io"
	"strings"
	"testing"
)

func TestProgressUITracksCounts(t *testing.T) {
	p := NewProgressUI("Uploading", 1024, io.Discard)

	p.OnProgress(0, 4)
	p.OnProgress(2, 4)
	if done, total := p.Done(); done != 2 || total != 4 {
		t.Fatalf("Done() = %d/%d, want 2/4", done, total)
	}

	p.OnProgress(4, 4)
	p.OnProgress(1, 4) // ignored once finished
	if done, _ := p.Done(); done != 4 {
		t.Errorf("done = %d after finish, want 4", done)
	}
	if s := p.Summary(); !strings.HasPrefix(s, "4/4 chunks (up to 4.0 KiB)") {
		t.Errorf("Summary() = %q", s)
	}
}

func TestProgressUIEmptyFile(t *testing.T) {
	p := NewProgressUI("Downloading", 1024, io.Discard)
	p.OnProgress(0, 0)
	if done, total := p.Done(); done != 0 || total != 0 {
		t.Errorf("Done() = %d/%d", done, total)
	}
	if s := p.Summary(); !strings.HasPrefix(s, "0/0 chunks") {
		t.Errorf("Summary() = %q", s)
	}
}
