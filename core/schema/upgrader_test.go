package schema

import (
	"testing"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
)

func newTestEvent(t *testing.T, version int, payload any) event.Event {
	t.Helper()
	evt, err := event.New("acct-1", "account", "account.opened", payload,
		event.WithSchemaVersion(version))
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return evt
}

func TestUpgradeChainsSteps(t *testing.T) {
	u := NewUpgrader()
	if err := u.Declare("account.opened", 3); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := u.Register("account.opened", 1, func(p map[string]any) (map[string]any, error) {
		p["currency"] = "USD"
		return p, nil
	}); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := u.Register("account.opened", 2, func(p map[string]any) (map[string]any, error) {
		p["owner_id"] = p["owner"]
		delete(p, "owner")
		return p, nil
	}); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if err := u.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	evt := newTestEvent(t, 1, map[string]any{"owner": "alice"})
	upgraded, err := u.Upgrade(evt)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if upgraded.SchemaVersion != 3 {
		t.Fatalf("schema version = %d, want 3", upgraded.SchemaVersion)
	}
	payload, err := upgraded.PayloadMap()
	if err != nil {
		t.Fatalf("payload map: %v", err)
	}
	if payload["currency"] != "USD" {
		t.Fatalf("currency = %v", payload["currency"])
	}
	if payload["owner_id"] != "alice" {
		t.Fatalf("owner_id = %v", payload["owner_id"])
	}
	if _, leftover := payload["owner"]; leftover {
		t.Fatal("owner field should have been renamed")
	}
}

func TestUpgradePassthroughAtCurrentVersion(t *testing.T) {
	u := NewUpgrader()
	if err := u.Declare("account.opened", 2); err != nil {
		t.Fatalf("declare: %v", err)
	}
	evt := newTestEvent(t, 2, map[string]any{"owner": "alice"})
	upgraded, err := u.Upgrade(evt)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if string(upgraded.Payload) != string(evt.Payload) {
		t.Fatal("payload should be untouched at current version")
	}
}

func TestValidateDetectsGap(t *testing.T) {
	u := NewUpgrader()
	if err := u.Declare("account.opened", 3); err != nil {
		t.Fatalf("declare: %v", err)
	}
	// Step v2->v3 registered, v1->v2 missing.
	if err := u.Register("account.opened", 2, func(p map[string]any) (map[string]any, error) {
		return p, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := u.Validate()
	if errs.CodeOf(err) != errs.CodeNoMigrationPath {
		t.Fatalf("expected no_migration_path, got %v", err)
	}
}

func TestValidateRejectsStepBeyondCurrent(t *testing.T) {
	u := NewUpgrader()
	if err := u.Declare("account.opened", 2); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := u.Register("account.opened", 1, func(p map[string]any) (map[string]any, error) { return p, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := u.Register("account.opened", 2, func(p map[string]any) (map[string]any, error) { return p, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if errs.CodeOf(u.Validate()) != errs.CodeNoMigrationPath {
		t.Fatal("expected no_migration_path for step beyond declared current")
	}
}

func TestUpgradeMissingStepFails(t *testing.T) {
	u := NewUpgrader()
	if err := u.Declare("account.opened", 2); err != nil {
		t.Fatalf("declare: %v", err)
	}
	evt := newTestEvent(t, 1, map[string]any{"owner": "alice"})
	_, err := u.Upgrade(evt)
	if errs.CodeOf(err) != errs.CodeNoMigrationPath {
		t.Fatalf("expected no_migration_path, got %v", err)
	}
}

func TestUndeclaredTypeDefaultsToVersionOne(t *testing.T) {
	u := NewUpgrader()
	if got := u.CurrentVersion("account.unknown"); got != 1 {
		t.Fatalf("current version = %d, want 1", got)
	}
}
