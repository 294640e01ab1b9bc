package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"grantway.org/internal/entitlement"
)

func testGrant() entitlement.DirectGrant {
	granted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return entitlement.DirectGrant{
		UID:         "user-1",
		Email:       "Buyer@Example.com",
		EmailHash:   entitlement.HashEmail("Buyer@Example.com"),
		CustomerRef: "cus_123",
		Entitlement: entitlement.Entitlement{
			ID:          "01HQ0000000000000000000000",
			OperatorID:  "op-1",
			Vertical:    "fitness",
			Type:        "program",
			ResourceID:  "prog-9",
			Status:      entitlement.StatusActive,
			GrantedAt:   granted,
			Payment:     entitlement.PaymentLinkage{SessionID: "cs_1", EventID: "evt_1", PaymentIntentID: "pi_1"},
			AmountTotal: 4900,
			Currency:    "USD",
			Engine:      entitlement.EngineVersion,
		},
	}
}

func TestBeginEventStatuses(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	entry := entitlement.LedgerEntry{EventID: "evt_1", Type: "checkout.completed", ReceivedAt: time.Now().UTC()}

	// First sight: the conditional insert lands.
	mock.ExpectExec("insert into event_ledger").
		WithArgs("evt_1", "checkout.completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := store.BeginEvent(context.Background(), entry)
	if err != nil {
		t.Fatalf("BeginEvent: %v", err)
	}
	if status != entitlement.EventCreated {
		t.Fatalf("expected created, got %v", status)
	}

	// Replay of an unfinished attempt.
	mock.ExpectExec("insert into event_ledger").
		WithArgs("evt_1", "checkout.completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select processed from event_ledger").
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"processed"}).AddRow(false))

	status, err = store.BeginEvent(context.Background(), entry)
	if err != nil {
		t.Fatalf("BeginEvent replay: %v", err)
	}
	if status != entitlement.EventReplay {
		t.Fatalf("expected replay, got %v", status)
	}

	// Fully processed duplicate.
	mock.ExpectExec("insert into event_ledger").
		WithArgs("evt_1", "checkout.completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select processed from event_ledger").
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"processed"}).AddRow(true))

	status, err = store.BeginEvent(context.Background(), entry)
	if err != nil {
		t.Fatalf("BeginEvent duplicate: %v", err)
	}
	if status != entitlement.EventDuplicate {
		t.Fatalf("expected duplicate, got %v", status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyDirectRunsOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("insert into entitlements").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into payment_links").WithArgs("cus_123", "user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into memberships").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update waitlist_leads").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.ApplyDirect(context.Background(), testGrant()); err != nil {
		t.Fatalf("ApplyDirect: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyDirectReplayIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	// Conflict on event_id means a prior attempt already granted this
	// purchase; no further writes happen.
	mock.ExpectBegin()
	mock.ExpectExec("insert into entitlements").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.ApplyDirect(context.Background(), testGrant()); err != nil {
		t.Fatalf("ApplyDirect replay: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyDirectRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("insert into entitlements").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into payment_links").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if err := store.ApplyDirect(context.Background(), testGrant()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimPendingNothingToClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from pending_entitlements").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "operator_id", "vertical", "type", "resource_id", "status", "granted_at", "expires_at",
			"session_id", "event_id", "payment_intent_id", "subscription_id",
			"amount_total", "currency", "engine_version",
		}))
	mock.ExpectRollback()

	out, err := store.ClaimPending(context.Background(), "user-1", "buyer@example.com", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if out.Claimed != 0 || len(out.Operators) != 0 {
		t.Fatalf("expected zero outcome, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimPendingMigratesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	granted := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from pending_entitlements").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "operator_id", "vertical", "type", "resource_id", "status", "granted_at", "expires_at",
			"session_id", "event_id", "payment_intent_id", "subscription_id",
			"amount_total", "currency", "engine_version",
		}).AddRow(
			"01HQ0000000000000000000001", "op-1", "fitness", "program", "prog-9", entitlement.StatusActive, granted, nil,
			"cs_1", "evt_1", "pi_1", "",
			4900, "USD", entitlement.EngineVersion,
		))
	mock.ExpectExec("insert into entitlements").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into memberships").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update waitlist_leads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update pending_entitlements").
		WithArgs(now, "user-1", entitlement.HashEmail("buyer@example.com")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := store.ClaimPending(context.Background(), "user-1", "buyer@example.com", now)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if out.Claimed != 1 {
		t.Fatalf("expected one claim, got %d", out.Claimed)
	}
	if len(out.Operators) != 1 || out.Operators[0] != "op-1" {
		t.Fatalf("unexpected operators: %v", out.Operators)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
