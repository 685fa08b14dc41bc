package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/featureserver/internal/tasks"
)

// ContextPrefix marks a redirect target user part that carries a migration
// token, as in sip:context-<token>@host.
const ContextPrefix = "context-"

// Snapshot is what a migrating call leaves behind for the process that
// receives it.
type Snapshot struct {
	Application json.RawMessage    `json:"application,omitempty"`
	Tasks       []tasks.Descriptor `json:"tasks"`
}

// DecodeSnapshot parses a stored migration payload.
func DecodeSnapshot(payload []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode migration snapshot: %w", err)
	}
	return s, nil
}

// TokenFromTarget extracts the migration token from a redirect user part or
// URI. It reports false when target carries none.
func TokenFromTarget(target string) (string, bool) {
	target = strings.TrimPrefix(target, "sip:")
	if i := strings.IndexByte(target, '@'); i >= 0 {
		target = target[:i]
	}
	token, ok := strings.CutPrefix(target, ContextPrefix)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// migrate stores the call's remaining work and redirects it to host.
func (t *Task) migrate(ctx context.Context, cs tasks.CallSession, host string) error {
	snap := Snapshot{Tasks: cs.RemainingTaskData()}
	if snap.Tasks == nil {
		snap.Tasks = []tasks.Descriptor{}
	}
	if app := cs.ApplicationSnapshot(); app != nil {
		raw, err := json.Marshal(app)
		if err != nil {
			t.deps.Metrics.ObserveMigration("store_failed")
			return fmt.Errorf("%w: encode application: %w", ErrMigrationFailed, err)
		}
		snap.Application = raw
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		t.deps.Metrics.ObserveMigration("store_failed")
		return fmt.Errorf("%w: encode snapshot: %w", ErrMigrationFailed, err)
	}

	token := uuid.NewString()
	if err := t.deps.Store.Put(ctx, token, payload, t.deps.MigrationTTL); err != nil {
		t.log().Info("failed storing task data before refer", "name", t.ConfName(), "error", err)
		t.deps.Metrics.ObserveMigration("store_failed")
		return fmt.Errorf("%w: store snapshot: %w", ErrMigrationFailed, err)
	}

	target := fmt.Sprintf("sip:%s%s@%s", ContextPrefix, token, host)
	t.log().Info("referring call", "name", t.ConfName(), "target", target)
	t.mu.Lock()
	t.callMoved = true
	t.mu.Unlock()

	ok, err := cs.ReferCall(ctx, target)
	if err != nil || !ok {
		t.mu.Lock()
		t.callMoved = false
		t.mu.Unlock()
		t.deps.Metrics.ObserveMigration("refer_failed")
		if err == nil {
			err = fmt.Errorf("refer to %s rejected", host)
		}
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	t.deps.Metrics.ObserveMigration("success")
	return nil
}
