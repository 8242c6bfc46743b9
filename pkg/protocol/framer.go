package protocol

import (
	"bytes"
	"errors"
)

// ErrLineTooLong is reported by Next in place of a line that exceeded the
// limit. The whole line is dropped, up to and including its terminator.
var ErrLineTooLong = errors.New("command line exceeds maximum length")

type frame struct {
	line []byte
	err  error
}

// Framer is a per-connection receive buffer that yields newline-delimited
// command lines. It is not safe for concurrent use.
type Framer struct {
	partial []byte
	ready   []frame
	maxLine int

	// discarding is set while the rest of an over-long line is dropped.
	discarding bool
}

// NewFramer creates a framer; maxLine <= 0 means 64 KiB.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = 64 << 10
	}
	return &Framer{maxLine: maxLine}
}

// Feed appends received bytes. Lines are cut as they complete so an
// over-long line is reported in order with its neighbours.
func (f *Framer) Feed(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if f.discarding {
			if i < 0 {
				return
			}
			f.discarding = false
			p = p[i+1:]
			continue
		}
		if i < 0 {
			f.partial = append(f.partial, p...)
			if len(f.partial) > f.maxLine {
				f.partial = f.partial[:0]
				f.discarding = true
				f.ready = append(f.ready, frame{err: ErrLineTooLong})
			}
			return
		}

		chunk := p[:i]
		p = p[i+1:]
		if len(f.partial)+len(chunk) > f.maxLine {
			f.partial = f.partial[:0]
			f.ready = append(f.ready, frame{err: ErrLineTooLong})
			continue
		}
		line := make([]byte, 0, len(f.partial)+len(chunk))
		line = append(append(line, f.partial...), chunk...)
		f.partial = f.partial[:0]
		f.ready = append(f.ready, frame{line: bytes.TrimRight(line, "\r")})
	}
}

// Next pops the next complete line without its "\n" or trailing "\r".
// ok is false when no line is ready. A line that was too long comes back
// as ErrLineTooLong with a nil line.
func (f *Framer) Next() (line []byte, ok bool, err error) {
	if len(f.ready) == 0 {
		return nil, false, nil
	}
	fr := f.ready[0]
	f.ready[0] = frame{}
	f.ready = f.ready[1:]
	if len(f.ready) == 0 {
		f.ready = nil
	}
	return fr.line, true, fr.err
}

// Flush returns and clears an unterminated remainder.
func (f *Framer) Flush() ([]byte, bool) {
	if len(f.partial) == 0 {
		return nil, false
	}
	line := make([]byte, len(f.partial))
	copy(line, f.partial)
	f.partial = f.partial[:0]
	return line, true
}

// Pending reports the number of buffered bytes of the unterminated line.
func (f *Framer) Pending() int {
	return len(f.partial)
}
