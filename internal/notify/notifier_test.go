package notify

import (
	"strings"
	"testing"
)

func TestFormatAlert(t *testing.T) {
	got := formatAlert(Event{
		Type:    "swarm_status_changed",
		SwarmID: "alpha",
		Data:    map[string]any{"status": "degraded"},
	})
	if got != "swarm alpha is now degraded" {
		t.Errorf("unexpected alert: %q", got)
	}

	got = formatAlert(Event{
		Type:       "proposal_finalized",
		ProposalID: "p1",
		Data:       map[string]any{"status": "approved", "votes": 3},
	})
	if !strings.Contains(got, "p1") || !strings.Contains(got, "approved") {
		t.Errorf("unexpected alert: %q", got)
	}

	// Routine traffic never alerts.
	for _, eventType := range []string{"agent_spawned", "agent_terminated", "swarm_registered", "proposal_created"} {
		if got := formatAlert(Event{Type: eventType}); got != "" {
			t.Errorf("%s must not alert, got %q", eventType, got)
		}
	}
}

func TestChunkMessage(t *testing.T) {
	if chunks := chunkMessage("hello", 4096); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	long := strings.Repeat("a", 8192)
	if chunks := chunkMessage(long, 4096); len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Prefer a newline split when one lands past the midpoint.
	text := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 2000)
	chunks := chunkMessage(text, 4096)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 {
		t.Errorf("expected first chunk to end at the newline, got length %d", len(chunks[0]))
	}
}
