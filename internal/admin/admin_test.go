package admin

import (
	"strings"
	"testing"
	"time"

	"github.com/skiffhq/skiff/internal/wire"
)

func TestFormatSessions_Empty(t *testing.T) {
	got := FormatSessions(nil)
	if got != "No active sessions.\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatSessions_ListsEntries(t *testing.T) {
	sessions := []wire.SessionInfo{
		{IDPrefix: "abcd1234", Port: 41234, ConnectedSince: time.Unix(0, 0).UTC()},
	}
	got := FormatSessions(sessions)
	if !strings.Contains(got, "abcd1234") || !strings.Contains(got, "41234") {
		t.Fatalf("got %q, missing expected fields", got)
	}
}
