package protocol

import (
	"fmt"
	"strings"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

// Wire markers.
const (
	MarkOK  = "OK"
	MarkErr = "ERR"
)

// Response is the single reply produced for one command line.
type Response struct {
	Text string

	// Err is the handler failure, nil on success.
	Err error

	// Close asks the connection manager to drop the client after sending.
	Close bool

	// Verb is the resolved table verb ("" when unknown).
	Verb string
}

// OK reports whether the command succeeded.
func (r Response) OK() bool { return r.Err == nil }

// Wire returns the text with exactly one trailing newline.
func (r Response) Wire() []byte {
	return []byte(strings.TrimRight(r.Text, "\n") + "\n")
}

func okf(format string, args ...any) string {
	return MarkOK + " " + fmt.Sprintf(format, args...)
}

// errorText renders "ERR <Reason> <message>" plus an optional hint.
func errorText(err error, hint string) string {
	s := MarkErr + " " + core.Reason(err) + " " + err.Error()
	if hint != "" {
		s += " " + hint
	}
	return s
}

func fail(err error) Response {
	return Response{Text: errorText(err, ""), Err: err}
}

// f1 formats a coordinate the way clients parse it back.
func f1(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
