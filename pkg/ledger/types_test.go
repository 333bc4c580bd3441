package ledger

import (
	"errors"
	"testing"
)

func TestReasonScopes(test *testing.T) {
	test.Parallel()
	paid := []Reason{ReasonPurchase, ReasonUsage, ReasonRefund, ReasonAdminAdjust}
	for _, reason := range paid {
		if reason.Scope() != ScopePaid {
			test.Fatalf("expected %s to hit the paid counter", reason)
		}
	}
	demo := []Reason{ReasonDemoGrant, ReasonDemoUsage, ReasonDemoExpire}
	for _, reason := range demo {
		if reason.Scope() != ScopeDemo {
			test.Fatalf("expected %s to hit the demo counter", reason)
		}
	}
	if len(paid) != len(PaidReasons()) || len(demo) != len(DemoReasons()) {
		test.Fatalf("reason lists drifted from the taxonomy")
	}
}

func TestReasonSignRules(test *testing.T) {
	test.Parallel()
	if !ReasonPurchase.allowsDelta(10) || ReasonPurchase.allowsDelta(-10) {
		test.Fatalf("purchase must be strictly positive")
	}
	if !ReasonUsage.allowsDelta(-1) || ReasonUsage.allowsDelta(1) {
		test.Fatalf("usage must be strictly negative")
	}
	if !ReasonAdminAdjust.allowsDelta(-1) || !ReasonAdminAdjust.allowsDelta(1) || ReasonAdminAdjust.allowsDelta(0) {
		test.Fatalf("admin_adjust allows both signs but never zero")
	}
	if Reason("bonus").allowsDelta(1) {
		test.Fatalf("unknown reasons allow nothing")
	}
}

func TestNewActorValidation(test *testing.T) {
	test.Parallel()
	actor, err := NewActor(ActorUser, "  user-1  ")
	if err != nil {
		test.Fatalf("actor: %v", err)
	}
	if actor.ID != "user-1" {
		test.Fatalf("expected trimmed id, got %q", actor.ID)
	}
	if _, err := NewActor(ActorKind("robot"), "r2"); !errors.Is(err, ErrInvalidActor) {
		test.Fatalf("expected ErrInvalidActor for unknown kind, got %v", err)
	}
	if _, err := NewActor(ActorAdmin, "   "); !errors.Is(err, ErrInvalidActor) {
		test.Fatalf("expected ErrInvalidActor for empty id, got %v", err)
	}
	system := SystemActor()
	if system.Kind != ActorSystem || system.ID == "" {
		test.Fatalf("unexpected system actor: %+v", system)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestBalanceStatusValid(test *testing.T) {
	test.Parallel()
	if !BalanceStatusActive.Valid() || !BalanceStatusSuspended.Valid() {
		test.Fatalf("lifecycle states must validate")
	}
	if BalanceStatus("deleted").Valid() {
		test.Fatalf("unknown status must not validate")
	}
}
