package protocol

import (
	"testing"
	"unicode/utf8"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"plain", []byte("LIST"), "LIST"},
		{"crlf", []byte("LIST\r\n"), "LIST"},
		{"nul padding", []byte("\x00\x00MOVE Cube1 1 2 3\x00"), "MOVE Cube1 1 2 3"},
		{"legacy markers", []byte("\xfe\xffGET_SCALE Cube1\xff"), "GET_SCALE Cube1"},
		{"c0 controls", []byte("\x01\x02LIST\x03\x1b"), "LIST"},
		{"del", []byte("LI\x7fST"), "LIST"},
		{"tab removed", []byte("GET_LOCATION\tCube1"), "GET_LOCATIONCube1"},
		{"surrounding spaces", []byte("   LIST_STATIC   "), "LIST_STATIC"},
		{"utf8 kept", []byte("GET_LOCATION Stuhl_ä"), "GET_LOCATION Stuhl_ä"},
		{"only junk", []byte("\x00\r\n\xfe"), ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.raw); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCleanInvalidUTF8IsLossy(t *testing.T) {
	got := Clean([]byte("GET_SCALE Cube\xc31"))
	if !utf8.ValidString(got) {
		t.Fatalf("Clean returned invalid UTF-8: %q", got)
	}
	if got[:len("GET_SCALE Cube")] != "GET_SCALE Cube" {
		t.Fatalf("valid prefix lost: %q", got)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("  MOVE   Cube1 1  2 3 ")
	want := []string{"MOVE", "Cube1", "1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
	if n := len(Tokenize("   ")); n != 0 {
		t.Fatalf("blank line produced %d tokens", n)
	}
}

func TestUnquote(t *testing.T) {
	tests := map[string]string{
		`"/Game/M_Wood.M_Wood"`: "/Game/M_Wood.M_Wood",
		`'BaseColor'`:           "BaseColor",
		`" spaced "`:            "spaced",
		`"mismatched'`:          `"mismatched'`,
		`"`:                     `"`,
		`plain`:                 "plain",
	}
	for in, want := range tests {
		if got := Unquote(in); got != want {
			t.Errorf("Unquote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPathArg(t *testing.T) {
	tokens := Tokenize(`SET_MATERIAL Chair_01 0 "/Game/My Materials/M_Wood.M_Wood"`)
	if got := PathArg(tokens, 3); got != "/Game/My Materials/M_Wood.M_Wood" {
		t.Fatalf("PathArg = %q", got)
	}
	if got := PathArg(tokens, 9); got != "" {
		t.Fatalf("PathArg past end = %q", got)
	}
	if got := JoinFrom(tokens, 1); got != `Chair_01 0 "/Game/My Materials/M_Wood.M_Wood"` {
		t.Fatalf("JoinFrom = %q", got)
	}
}
