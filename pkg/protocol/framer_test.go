package protocol

import (
	"errors"
	"strings"
	"testing"
)

// drain pops every ready frame; discarded lines show up as "!ERR".
func drain(f *Framer) []string {
	var out []string
	for {
		line, ok, err := f.Next()
		if !ok {
			return out
		}
		if err != nil {
			out = append(out, "!ERR")
			continue
		}
		out = append(out, string(line))
	}
}

func equalLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines = %q, want %q", got, want)
		}
	}
}

func TestFramerSplitsLines(t *testing.T) {
	f := NewFramer(0)
	f.Feed([]byte("LIST\r\nGET_SCALE Cube1\nMOV"))
	equalLines(t, drain(f), "LIST", "GET_SCALE Cube1")
	if f.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", f.Pending())
	}

	f.Feed([]byte("E Cube1 1 2 3\n"))
	equalLines(t, drain(f), "MOVE Cube1 1 2 3")
	if f.Pending() != 0 {
		t.Fatalf("pending = %d after drain", f.Pending())
	}
}

func TestFramerEmptyLines(t *testing.T) {
	f := NewFramer(0)
	f.Feed([]byte("\n\r\nLIST\n"))
	equalLines(t, drain(f), "", "", "LIST")
}

func TestFramerLineTooLong(t *testing.T) {
	f := NewFramer(12)
	f.Feed([]byte(strings.Repeat("x", 13)))
	line, ok, err := f.Next()
	if !ok || !errors.Is(err, ErrLineTooLong) || line != nil {
		t.Fatalf("Next = %q %v %v, want ErrLineTooLong", line, ok, err)
	}
	if f.Pending() != 0 {
		t.Fatal("over-long tail should not stay buffered")
	}

	// The rest of the same line is dropped through its terminator.
	f.Feed([]byte("xxMOVE Cube1 9 9 9\nLIST\n"))
	equalLines(t, drain(f), "LIST")
}

func TestFramerLongLineAcrossManyReads(t *testing.T) {
	f := NewFramer(32)
	long := strings.Repeat(" ", 200) + "MOVE Cube1 9 9 9\n"
	for i := 0; i < len(long); i += 7 {
		end := i + 7
		if end > len(long) {
			end = len(long)
		}
		f.Feed([]byte(long[i:end]))
	}
	f.Feed([]byte("LIST\n"))
	equalLines(t, drain(f), "!ERR", "LIST")
}

func TestFramerOverflowKeepsCompleteLines(t *testing.T) {
	f := NewFramer(32)
	f.Feed([]byte("LIST\nGET_SCALE Cube1\n" + strings.Repeat("B", 40)))
	equalLines(t, drain(f), "LIST", "GET_SCALE Cube1", "!ERR")
}

func TestFramerTerminatedLongLineReported(t *testing.T) {
	f := NewFramer(12)
	f.Feed([]byte("LIST\n" + strings.Repeat("y", 13) + "\nLIST_STATIC\n"))
	equalLines(t, drain(f), "LIST", "!ERR", "LIST_STATIC")

	f.Feed([]byte(strings.Repeat("C", 40) + "\n"))
	equalLines(t, drain(f), "!ERR")
}

func TestFramerLongLinesInOrder(t *testing.T) {
	f := NewFramer(8)
	f.Feed([]byte(strings.Repeat("a", 9)))
	f.Feed([]byte("aa\nLIST\n" + strings.Repeat("c", 9)))
	equalLines(t, drain(f), "!ERR", "LIST", "!ERR")
}

func TestFramerFlush(t *testing.T) {
	f := NewFramer(0)
	if _, ok := f.Flush(); ok {
		t.Fatal("flush of empty buffer")
	}
	f.Feed([]byte("GET_LOCATION Cube1"))
	if _, ok, _ := f.Next(); ok {
		t.Fatal("unterminated line returned by Next")
	}
	line, ok := f.Flush()
	if !ok || string(line) != "GET_LOCATION Cube1" {
		t.Fatalf("flush = %q %v", line, ok)
	}
	if f.Pending() != 0 {
		t.Fatal("flush should clear the buffer")
	}
}

func TestFramerFlushWhileDiscarding(t *testing.T) {
	f := NewFramer(4)
	f.Feed([]byte("LIST_STATIC"))
	_ = drain(f)
	f.Feed([]byte("MORE"))
	if _, ok := f.Flush(); ok {
		t.Fatal("remainder of a dropped line must not flush")
	}
}
