package main

import (
	"encoding/json"
	"testing"
)

func TestLoadBody(t *testing.T) {
	body, err := loadBody("")
	if err != nil || body != `{"action":"load"}` {
		t.Fatalf("unexpected %q %v", body, err)
	}

	body, err = loadBody("10, -5,0.5")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Action string    `json:"action"`
		Offset []float64 `json:"offset"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if got.Action != "load" || len(got.Offset) != 3 || got.Offset[1] != -5 || got.Offset[2] != 0.5 {
		t.Fatalf("unexpected body %s", body)
	}

	for _, bad := range []string{"1,2", "1,2,x"} {
		if _, err := loadBody(bad); err == nil {
			t.Errorf("loadBody(%q) should fail", bad)
		}
	}
}

func TestJournalPath(t *testing.T) {
	tests := []struct {
		limit     int
		server    string
		committed bool
		want      string
	}{
		{0, "", false, "/v1/journal"},
		{20, "", false, "/v1/journal?limit=20"},
		{5, "scene", true, "/v1/journal?committed=true&limit=5&server=scene"},
	}
	for _, tt := range tests {
		if got := journalPath(tt.limit, tt.server, tt.committed); got != tt.want {
			t.Errorf("journalPath(%d, %q, %v) = %q, want %q", tt.limit, tt.server, tt.committed, got, tt.want)
		}
	}
}
