package operator

import (
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/pkg/ulid"
)

// Turn is one operator turn within a session.
type Turn struct {
	SessionID   string `json:"session_id"`
	TurnID      string `json:"turn_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Turns is the in-memory session/turn registry behind the turn endpoint.
// Sessions are process-scoped; restarting the plane starts fresh.
type Turns struct {
	mu       sync.Mutex
	sessions map[string][]Turn

	now func() time.Time
}

// NewTurns builds an empty registry.
func NewTurns() *Turns {
	return &Turns{
		sessions: make(map[string][]Turn),
		now:      time.Now,
	}
}

// StartTurn creates a turn in sessionID, allocating a new session when empty.
func (t *Turns) StartTurn(sessionID string) Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sessionID == "" {
		sessionID = "ses-" + ulid.New()
	}
	turn := Turn{
		SessionID:   sessionID,
		TurnID:      ulid.NewTurnID(),
		CreatedAtMs: t.now().UnixMilli(),
	}
	t.sessions[sessionID] = append(t.sessions[sessionID], turn)
	return turn
}

// SessionTurns returns the turns recorded for a session, oldest first.
func (t *Turns) SessionTurns(sessionID string) []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	turns := t.sessions[sessionID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
