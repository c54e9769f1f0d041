package termemu

import (
	"strings"
	"testing"
)

func TestEmulatorFeedAndSnapshot(t *testing.T) {
	e := New(20, 5)
	e.Feed([]byte("Hello World"))

	snap := e.Snapshot()
	if !strings.Contains(snap, "Hello World") {
		t.Fatalf("Snapshot() = %q, want it to contain %q", snap, "Hello World")
	}
}

func TestEmulatorSnapshotTrimsTrailingBlankLines(t *testing.T) {
	e := New(20, 5)
	e.Feed([]byte("only line"))

	snap := e.Snapshot()
	lines := strings.Split(snap, "\n")
	if len(lines) != 1 {
		t.Fatalf("expected trailing blank rows trimmed, got %d lines: %q", len(lines), snap)
	}
	if lines[0] != "only line" {
		t.Fatalf("lines[0] = %q, want %q", lines[0], "only line")
	}
}

func TestEmulatorSnapshotIgnoresColorCodes(t *testing.T) {
	e := New(40, 5)
	e.Feed([]byte("\x1b[31mRed Text\x1b[0m Normal"))

	snap := e.Snapshot()
	if !strings.Contains(snap, "Red Text Normal") {
		t.Fatalf("Snapshot() = %q, want plain text with ANSI stripped", snap)
	}
	if strings.Contains(snap, "\x1b[") {
		t.Fatalf("Snapshot() should not leak escape codes, got %q", snap)
	}
}

func TestEmulatorResize(t *testing.T) {
	e := New(20, 10)
	cols, rows := e.Size()
	if cols != 20 || rows != 10 {
		t.Fatalf("Size() = %d,%d want 20,10", cols, rows)
	}

	e.Resize(80, 24)
	cols, rows = e.Size()
	if cols != 80 || rows != 24 {
		t.Fatalf("Size() after resize = %d,%d want 80,24", cols, rows)
	}
}

func TestEmulatorResizeNoopWhenUnchanged(t *testing.T) {
	e := New(80, 24)
	e.Resize(80, 24)
	cols, rows := e.Size()
	if cols != 80 || rows != 24 {
		t.Fatalf("Size() = %d,%d want unchanged 80,24", cols, rows)
	}
}

func TestEmulatorOSC8Stripping(t *testing.T) {
	e := New(40, 5)
	hyperlink := "\x1b]8;;https://example.com\x1b\\Click Here\x1b]8;;\x1b\\"
	e.Feed([]byte(hyperlink))

	snap := e.Snapshot()
	if !strings.Contains(snap, "Click Here") {
		t.Fatalf("Snapshot() = %q, want it to contain %q", snap, "Click Here")
	}
	if strings.Contains(snap, "8;;") {
		t.Fatalf("Snapshot() leaked OSC 8 artifacts: %q", snap)
	}
}

func TestEmulatorOSC8StrippingWithBEL(t *testing.T) {
	e := New(40, 5)
	hyperlink := "\x1b]8;;https://example.com\x07Click Here\x1b]8;;\x07"
	e.Feed([]byte(hyperlink))

	snap := e.Snapshot()
	if !strings.Contains(snap, "Click Here") {
		t.Fatalf("Snapshot() = %q, want it to contain %q", snap, "Click Here")
	}
	if strings.Contains(snap, "8;;") {
		t.Fatalf("Snapshot() leaked OSC 8 artifacts: %q", snap)
	}
}

func TestEmulatorEmptyFeedIsNoop(t *testing.T) {
	e := New(20, 5)
	e.Feed(nil)
	if snap := e.Snapshot(); snap != "" {
		t.Fatalf("Snapshot() = %q, want empty on fresh emulator", snap)
	}
}
