package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/botbazaar/tokenledger/internal/catalog"
	"github.com/botbazaar/tokenledger/internal/discount"
	"github.com/botbazaar/tokenledger/internal/outbox"
	"github.com/botbazaar/tokenledger/internal/payment"
	"github.com/botbazaar/tokenledger/pkg/ledger"
)

func openTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/ledger.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return db
}

func seedBalance(test *testing.T, store *LedgerStore, userID string, automationID string) ledger.Balance {
	test.Helper()
	balance, created, err := store.GetOrCreateBalance(context.Background(), userID, automationID, 0)
	if err != nil {
		test.Fatalf("seed balance: %v", err)
	}
	if !created {
		test.Fatalf("expected seed balance to be created")
	}
	return balance
}

func testAdjustment(test *testing.T, balanceID string, delta int64, reason ledger.Reason, key string, createdUnixUTC int64) ledger.Adjustment {
	test.Helper()
	meta, err := ledger.NewMetadataJSON(`{"source":"store-test"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return ledger.Adjustment{
		BalanceID:      balanceID,
		Actor:          ledger.SystemActor(),
		DeltaTokens:    delta,
		Reason:         reason,
		IdempotencyKey: key,
		Meta:           meta,
		CreatedUnixUTC: createdUnixUTC,
	}
}

func TestLedgerStoreCreatesBalanceOnce(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()

	created, wasCreated, err := store.GetOrCreateBalance(ctx, "user-1", "auto-1", 5)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if !wasCreated {
		test.Fatalf("expected first call to create the balance")
	}
	if created.ID == "" {
		test.Fatalf("expected a generated balance id")
	}
	if created.DemoTokens != 5 || !created.DemoActive {
		test.Fatalf("expected demo grant attrs on create, got %+v", created)
	}
	if created.Status != ledger.BalanceStatusActive {
		test.Fatalf("expected active status, got %s", created.Status)
	}

	found, wasCreated, err := store.GetOrCreateBalance(ctx, "user-1", "auto-1", 99)
	if err != nil {
		test.Fatalf("second get or create: %v", err)
	}
	if wasCreated {
		test.Fatalf("expected second call to find the existing balance")
	}
	if found.ID != created.ID {
		test.Fatalf("expected same balance id, got %s and %s", created.ID, found.ID)
	}
	if found.DemoTokens != 5 {
		test.Fatalf("expected demo tokens untouched on find, got %d", found.DemoTokens)
	}
}

func TestLedgerStoreCreateRaceCollidesOnUniqueIndex(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	winner := seedBalance(test, store, "user-race", "auto-race")

	// A concurrent first contact that missed the lookup lands here: the insert
	// must surface the collision, not hand back an ID that was never stored.
	_, created, err := store.createBalance(ctx, "user-race", "auto-race", 5)
	if !errors.Is(err, ledger.ErrBalanceExists) {
		test.Fatalf("expected ErrBalanceExists, got %v", err)
	}
	if created {
		test.Fatalf("colliding insert must not report a creation")
	}

	found, wasCreated, err := store.GetOrCreateBalance(ctx, "user-race", "auto-race", 5)
	if err != nil {
		test.Fatalf("re-read after collision: %v", err)
	}
	if wasCreated || found.ID != winner.ID {
		test.Fatalf("expected the winner's row back, got created=%v id=%s", wasCreated, found.ID)
	}
}

func TestLedgerStoreGetBalanceNotFound(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))

	_, err := store.GetBalance(context.Background(), "no-such-balance")
	if !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
	_, err = store.GetBalanceForUpdate(context.Background(), "no-such-balance")
	if !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound under lock, got %v", err)
	}
}

func TestLedgerStoreUpdateBalanceCounters(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	balance := seedBalance(test, store, "user-2", "auto-2")

	balance.DemoTokens = 0
	balance.PaidTokens = 40
	balance.DemoActive = false
	balance.DemoExpired = true
	balance.UpdatedUnixUTC = time.Now().UTC().Unix()
	if err := store.UpdateBalanceCounters(ctx, balance); err != nil {
		test.Fatalf("update counters: %v", err)
	}

	reloaded, err := store.GetBalance(ctx, balance.ID)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.PaidTokens != 40 || reloaded.DemoTokens != 0 {
		test.Fatalf("expected counters 0/40, got %d/%d", reloaded.DemoTokens, reloaded.PaidTokens)
	}
	if reloaded.DemoActive || !reloaded.DemoExpired {
		test.Fatalf("expected demo flags persisted, got %+v", reloaded)
	}

	missing := balance
	missing.ID = "no-such-balance"
	if err := store.UpdateBalanceCounters(ctx, missing); !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestLedgerStoreSetBalanceStatus(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	balance := seedBalance(test, store, "user-3", "auto-3")

	if err := store.SetBalanceStatus(ctx, balance.ID, ledger.BalanceStatusSuspended); err != nil {
		test.Fatalf("set status: %v", err)
	}
	reloaded, err := store.GetBalance(ctx, balance.ID)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.Status != ledger.BalanceStatusSuspended {
		test.Fatalf("expected suspended, got %s", reloaded.Status)
	}
	if err := store.SetBalanceStatus(ctx, "no-such-balance", ledger.BalanceStatusActive); !errors.Is(err, ledger.ErrBalanceNotFound) {
		test.Fatalf("expected ErrBalanceNotFound, got %v", err)
	}
}

func TestLedgerStoreRejectsDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	balance := seedBalance(test, store, "user-4", "auto-4")

	inserted, err := store.InsertAdjustment(ctx, testAdjustment(test, balance.ID, 100, ledger.ReasonPurchase, "payment:abc", 0))
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	if inserted.ID == "" {
		test.Fatalf("expected a generated adjustment id")
	}

	_, err = store.InsertAdjustment(ctx, testAdjustment(test, balance.ID, 100, ledger.ReasonPurchase, "payment:abc", 0))
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	found, ok, err := store.FindAdjustmentByKey(ctx, "payment:abc")
	if err != nil || !ok {
		test.Fatalf("find by key: ok=%v err=%v", ok, err)
	}
	if found.ID != inserted.ID {
		test.Fatalf("expected original adjustment, got %s", found.ID)
	}

	_, ok, err = store.FindAdjustmentByKey(ctx, "payment:missing")
	if err != nil {
		test.Fatalf("find missing key: %v", err)
	}
	if ok {
		test.Fatalf("expected no adjustment for unknown key")
	}
}

func TestLedgerStoreAllowsUnkeyedAdjustments(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	balance := seedBalance(test, store, "user-5", "auto-5")

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := store.InsertAdjustment(ctx, testAdjustment(test, balance.ID, 10, ledger.ReasonAdminAdjust, "", 0)); err != nil {
			test.Fatalf("unkeyed insert %d: %v", attempt, err)
		}
	}
}

func TestLedgerStoreListAdjustmentsNewestFirst(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	balance := seedBalance(test, store, "user-6", "auto-6")

	base := time.Now().UTC().Add(-time.Hour).Unix()
	for index, key := range []string{"first", "second", "third"} {
		adjustment := testAdjustment(test, balance.ID, 10, ledger.ReasonPurchase, "list:"+key, base+int64(index*10))
		if _, err := store.InsertAdjustment(ctx, adjustment); err != nil {
			test.Fatalf("insert %s: %v", key, err)
		}
	}

	page, err := store.ListAdjustments(ctx, balance.ID, 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(page) != 3 {
		test.Fatalf("expected 3 adjustments, got %d", len(page))
	}
	if page[0].IdempotencyKey != "list:third" || page[2].IdempotencyKey != "list:first" {
		test.Fatalf("expected newest first, got %s .. %s", page[0].IdempotencyKey, page[2].IdempotencyKey)
	}

	older, err := store.ListAdjustments(ctx, balance.ID, base+20, 10)
	if err != nil {
		test.Fatalf("list before cursor: %v", err)
	}
	if len(older) != 2 || older[0].IdempotencyKey != "list:second" {
		test.Fatalf("expected rows strictly before cursor, got %+v", older)
	}

	limited, err := store.ListAdjustments(ctx, balance.ID, 0, 1)
	if err != nil {
		test.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].IdempotencyKey != "list:third" {
		test.Fatalf("expected single newest row, got %+v", limited)
	}
}

func TestLedgerStoreListBalancesByUser(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	seedBalance(test, store, "user-7", "auto-a")
	seedBalance(test, store, "user-7", "auto-b")
	seedBalance(test, store, "someone-else", "auto-a")

	balances, err := store.ListBalancesByUser(ctx, "user-7")
	if err != nil {
		test.Fatalf("list balances: %v", err)
	}
	if len(balances) != 2 {
		test.Fatalf("expected 2 balances, got %d", len(balances))
	}
	for _, balance := range balances {
		if balance.UserID != "user-7" {
			test.Fatalf("expected only user-7 rows, got %s", balance.UserID)
		}
	}
}

func TestLedgerStoreSumDeltasByReason(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	balance := seedBalance(test, store, "user-8", "auto-8")

	inserts := []struct {
		delta  int64
		reason ledger.Reason
		key    string
	}{
		{100, ledger.ReasonPurchase, "sum:purchase"},
		{-30, ledger.ReasonUsage, "sum:usage"},
		{5, ledger.ReasonDemoGrant, "sum:grant"},
		{-2, ledger.ReasonDemoUsage, "sum:demo-usage"},
	}
	for _, row := range inserts {
		if _, err := store.InsertAdjustment(ctx, testAdjustment(test, balance.ID, row.delta, row.reason, row.key, 0)); err != nil {
			test.Fatalf("insert %s: %v", row.key, err)
		}
	}

	paid, err := store.SumDeltasByReason(ctx, balance.ID, []ledger.Reason{
		ledger.ReasonPurchase, ledger.ReasonUsage, ledger.ReasonRefund, ledger.ReasonAdminAdjust,
	})
	if err != nil {
		test.Fatalf("sum paid: %v", err)
	}
	if paid != 70 {
		test.Fatalf("expected paid delta sum 70, got %d", paid)
	}

	demo, err := store.SumDeltasByReason(ctx, balance.ID, []ledger.Reason{
		ledger.ReasonDemoGrant, ledger.ReasonDemoUsage, ledger.ReasonDemoExpire,
	})
	if err != nil {
		test.Fatalf("sum demo: %v", err)
	}
	if demo != 3 {
		test.Fatalf("expected demo delta sum 3, got %d", demo)
	}
}

func TestLedgerServiceSettlesConsumeOnSqlite(test *testing.T) {
	test.Parallel()
	store := NewLedgerStore(openTestDB(test))
	ctx := context.Background()
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	balance, err := service.FindOrCreateBalance(ctx, "user-e2e", "auto-e2e", 5)
	if err != nil {
		test.Fatalf("find or create: %v", err)
	}
	if balance.DemoTokens != 5 || !balance.DemoActive {
		test.Fatalf("expected demo grant, got %+v", balance)
	}

	_, err = service.ApplyAdjustment(ctx, ledger.ApplyInput{
		BalanceID:      balance.ID,
		Actor:          ledger.SystemActor(),
		DeltaTokens:    20,
		Reason:         ledger.ReasonPurchase,
		IdempotencyKey: "payment:e2e",
	})
	if err != nil {
		test.Fatalf("apply purchase: %v", err)
	}

	result, err := service.Consume(ctx, ledger.ConsumeInput{
		BalanceID:      balance.ID,
		Units:          8,
		UsageType:      "document_run",
		IdempotencyKey: "run-1",
	})
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if !result.Accepted || result.Replayed {
		test.Fatalf("expected fresh accepted consume, got %+v", result)
	}
	if result.ConsumedDemoTokens != 5 || result.ConsumedPaidTokens != 3 {
		test.Fatalf("expected 5 demo + 3 paid consumed, got %+v", result)
	}
	if result.RemainingDemoTokens != 0 || result.RemainingPaidTokens != 17 {
		test.Fatalf("expected 0/17 remaining, got %+v", result)
	}

	replay, err := service.Consume(ctx, ledger.ConsumeInput{
		BalanceID:      balance.ID,
		Units:          8,
		UsageType:      "document_run",
		IdempotencyKey: "run-1",
	})
	if err != nil {
		test.Fatalf("replay consume: %v", err)
	}
	if !replay.Replayed || replay.ConsumedDemoTokens != 5 || replay.ConsumedPaidTokens != 3 {
		test.Fatalf("expected replayed outcome, got %+v", replay)
	}
	if replay.RemainingDemoTokens != 0 || replay.RemainingPaidTokens != 17 {
		test.Fatalf("expected replay to leave counters alone, got %+v", replay)
	}

	report, err := service.Reconcile(ctx, balance.ID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !report.Consistent {
		test.Fatalf("expected consistent counters, got %+v", report)
	}
}

var paymentSequence atomic.Int64

func seedPayment(test *testing.T, store *PaymentStore, userID string, status payment.Status, createdUnixUTC int64) payment.Payment {
	test.Helper()
	row, err := store.CreatePayment(context.Background(), payment.Payment{
		TransactionID:   fmt.Sprintf("txn-%s-%d", userID, paymentSequence.Add(1)),
		UserID:          userID,
		AutomationID:    "auto-pay",
		Tokens:          10,
		AmountIRR:       25000,
		AmountBeforeIRR: 25000,
		Status:          status,
		CreatedUnixUTC:  createdUnixUTC,
		UpdatedUnixUTC:  createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("seed payment: %v", err)
	}
	return row
}

func TestPaymentStoreRoundTrip(test *testing.T) {
	test.Parallel()
	store := NewPaymentStore(openTestDB(test))
	ctx := context.Background()

	created := seedPayment(test, store, "buyer-1", payment.StatusPending, time.Now().UTC().Unix())
	if created.ID == "" {
		test.Fatalf("expected a generated payment id")
	}

	if err := store.SetAuthority(ctx, created.ID, "A-0012345"); err != nil {
		test.Fatalf("set authority: %v", err)
	}
	reloaded, err := store.GetPayment(ctx, created.ID)
	if err != nil {
		test.Fatalf("get payment: %v", err)
	}
	if reloaded.Authority != "A-0012345" {
		test.Fatalf("expected authority persisted, got %q", reloaded.Authority)
	}
	if reloaded.Status != payment.StatusPending || reloaded.CompletedUnixUTC != 0 {
		test.Fatalf("expected open pending payment, got %+v", reloaded)
	}

	locked, err := store.GetPaymentForUpdate(ctx, created.ID)
	if err != nil {
		test.Fatalf("get for update: %v", err)
	}
	if locked.ID != created.ID {
		test.Fatalf("expected same payment under lock, got %s", locked.ID)
	}
}

func TestPaymentStoreGetPaymentNotFound(test *testing.T) {
	test.Parallel()
	store := NewPaymentStore(openTestDB(test))

	_, err := store.GetPayment(context.Background(), "no-such-payment")
	if !errors.Is(err, payment.ErrPaymentNotFound) {
		test.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
	if err := store.SetAuthority(context.Background(), "no-such-payment", "A-1"); !errors.Is(err, payment.ErrPaymentNotFound) {
		test.Fatalf("expected ErrPaymentNotFound from set authority, got %v", err)
	}
}

func TestPaymentStoreMarkTerminalGuardsPending(test *testing.T) {
	test.Parallel()
	store := NewPaymentStore(openTestDB(test))
	ctx := context.Background()
	created := seedPayment(test, store, "buyer-2", payment.StatusPending, time.Now().UTC().Unix())

	at := time.Now().UTC().Unix()
	done, err := store.MarkTerminal(ctx, created.ID, payment.StatusSucceeded, "ref-9", "", at)
	if err != nil {
		test.Fatalf("mark terminal: %v", err)
	}
	if !done {
		test.Fatalf("expected pending payment to transition")
	}

	reloaded, err := store.GetPayment(ctx, created.ID)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.Status != payment.StatusSucceeded || reloaded.RefID != "ref-9" {
		test.Fatalf("expected succeeded with ref id, got %+v", reloaded)
	}
	if reloaded.CompletedUnixUTC != at {
		test.Fatalf("expected completion stamp %d, got %d", at, reloaded.CompletedUnixUTC)
	}

	again, err := store.MarkTerminal(ctx, created.ID, payment.StatusCanceled, "", "late", at+5)
	if err != nil {
		test.Fatalf("second mark terminal: %v", err)
	}
	if again {
		test.Fatalf("expected terminal payment to stay put")
	}
	final, err := store.GetPayment(ctx, created.ID)
	if err != nil {
		test.Fatalf("final reload: %v", err)
	}
	if final.Status != payment.StatusSucceeded {
		test.Fatalf("expected succeeded to stick, got %s", final.Status)
	}
}

func TestPaymentStoreListStalePending(test *testing.T) {
	test.Parallel()
	store := NewPaymentStore(openTestDB(test))
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-time.Hour).Unix()

	stale := seedPayment(test, store, "buyer-3", payment.StatusPending, cutoff-600)
	seedPayment(test, store, "buyer-3", payment.StatusPending, cutoff+600)
	seedPayment(test, store, "buyer-3", payment.StatusSucceeded, cutoff-600)

	listed, err := store.ListStalePending(ctx, cutoff, 10)
	if err != nil {
		test.Fatalf("list stale pending: %v", err)
	}
	if len(listed) != 1 {
		test.Fatalf("expected one stale pending payment, got %d", len(listed))
	}
	if listed[0].ID != stale.ID {
		test.Fatalf("expected the stale pending row, got %s", listed[0].ID)
	}
}

func TestPaymentStoreListPaymentsByUser(test *testing.T) {
	test.Parallel()
	store := NewPaymentStore(openTestDB(test))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Unix()

	seedPayment(test, store, "buyer-4", payment.StatusPending, base)
	middle := seedPayment(test, store, "buyer-4", payment.StatusPending, base+10)
	newest := seedPayment(test, store, "buyer-4", payment.StatusPending, base+20)
	seedPayment(test, store, "other-buyer", payment.StatusPending, base+30)

	listed, err := store.ListPaymentsByUser(ctx, "buyer-4", 2)
	if err != nil {
		test.Fatalf("list payments: %v", err)
	}
	if len(listed) != 2 {
		test.Fatalf("expected limit applied, got %d rows", len(listed))
	}
	if listed[0].ID != newest.ID || listed[1].ID != middle.ID {
		test.Fatalf("expected newest first, got %s then %s", listed[0].ID, listed[1].ID)
	}
}

func TestOutboxLifecycleThroughStores(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	payments := NewPaymentStore(db)
	relay := NewOutboxStore(db)
	ctx := context.Background()

	older, err := outbox.NewEvent("pay-1", outbox.EventPaymentSucceeded, outbox.TopicPayments, map[string]string{"payment_id": "pay-1"})
	if err != nil {
		test.Fatalf("new event: %v", err)
	}
	older.CreatedUnixUTC = time.Now().UTC().Add(-time.Minute).Unix()
	newer, err := outbox.NewEvent("pay-2", outbox.EventPaymentFailed, outbox.TopicPayments, map[string]string{"payment_id": "pay-2"})
	if err != nil {
		test.Fatalf("new event: %v", err)
	}
	newer.CreatedUnixUTC = time.Now().UTC().Unix()

	if err := payments.EnqueueEvent(ctx, newer); err != nil {
		test.Fatalf("enqueue newer: %v", err)
	}
	if err := payments.EnqueueEvent(ctx, older); err != nil {
		test.Fatalf("enqueue older: %v", err)
	}

	pending, err := relay.ListPending(ctx, 10)
	if err != nil {
		test.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		test.Fatalf("expected 2 pending events, got %d", len(pending))
	}
	if pending[0].AggregateID != "pay-1" {
		test.Fatalf("expected oldest event first, got %s", pending[0].AggregateID)
	}
	if pending[0].EventType != outbox.EventPaymentSucceeded || pending[0].Topic != outbox.TopicPayments {
		test.Fatalf("expected addressing preserved, got %+v", pending[0])
	}
	if !strings.Contains(string(pending[0].Payload), "pay-1") {
		test.Fatalf("expected payload preserved, got %s", pending[0].Payload)
	}

	if err := relay.IncrementAttempt(ctx, pending[0].ID, "broker down"); err != nil {
		test.Fatalf("increment attempt: %v", err)
	}
	retried, err := relay.ListPending(ctx, 10)
	if err != nil {
		test.Fatalf("list after attempt: %v", err)
	}
	if len(retried) != 2 {
		test.Fatalf("expected both events still pending, got %d", len(retried))
	}
	if retried[0].Attempts != 1 || retried[0].LastError != "broker down" {
		test.Fatalf("expected attempt recorded, got %+v", retried[0])
	}

	if err := relay.MarkPublished(ctx, pending[0].ID); err != nil {
		test.Fatalf("mark published: %v", err)
	}
	if err := relay.MarkPublished(ctx, pending[0].ID); err != nil {
		test.Fatalf("replayed mark published: %v", err)
	}
	remaining, err := relay.ListPending(ctx, 10)
	if err != nil {
		test.Fatalf("list after publish: %v", err)
	}
	if len(remaining) != 1 || remaining[0].AggregateID != "pay-2" {
		test.Fatalf("expected only the unpublished event, got %+v", remaining)
	}
}

func TestOutboxStoreMarkFailed(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	payments := NewPaymentStore(db)
	relay := NewOutboxStore(db)
	ctx := context.Background()

	event, err := outbox.NewEvent("pay-3", outbox.EventCreditFailed, outbox.TopicAlerts, map[string]string{"payment_id": "pay-3"})
	if err != nil {
		test.Fatalf("new event: %v", err)
	}
	if err := payments.EnqueueEvent(ctx, event); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	pending, err := relay.ListPending(ctx, 1)
	if err != nil || len(pending) != 1 {
		test.Fatalf("list pending: rows=%d err=%v", len(pending), err)
	}

	if err := relay.MarkFailed(ctx, pending[0].ID, "gave up"); err != nil {
		test.Fatalf("mark failed: %v", err)
	}
	empty, err := relay.ListPending(ctx, 10)
	if err != nil {
		test.Fatalf("list after failure: %v", err)
	}
	if len(empty) != 0 {
		test.Fatalf("expected no pending events, got %d", len(empty))
	}

	var model OutboxEvent
	if err := db.First(&model, "id = ?", pending[0].ID).Error; err != nil {
		test.Fatalf("read failed row: %v", err)
	}
	if model.Status != string(outbox.StatusFailed) || model.Attempts != 1 || model.LastError != "gave up" {
		test.Fatalf("expected failed row with attempt recorded, got %+v", model)
	}
}

func seedDiscount(test *testing.T, db *gorm.DB, code string, percentOff int64) Discount {
	test.Helper()
	now := time.Now().UTC()
	startsAt := now.Add(-time.Hour)
	row := Discount{
		Code:           code,
		PercentOff:     percentOff,
		Active:         true,
		StartsAt:       &startsAt,
		MaxRedemptions: 100,
		MaxPerUser:     5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.Create(&row).Error; err != nil {
		test.Fatalf("seed discount: %v", err)
	}
	return row
}

func TestDiscountStoreLoadsScopedDiscount(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	store := NewDiscountStore(db)
	ctx := context.Background()
	seeded := seedDiscount(test, db, "LAUNCH15", 15)
	for _, automationID := range []string{"auto-b", "auto-a"} {
		if err := db.Create(&DiscountAutomation{DiscountID: seeded.ID, AutomationID: automationID}).Error; err != nil {
			test.Fatalf("seed scope %s: %v", automationID, err)
		}
	}

	loaded, err := store.GetDiscountByCodeForUpdate(ctx, "LAUNCH15")
	if err != nil {
		test.Fatalf("get discount: %v", err)
	}
	if loaded.PercentOff != 15 || !loaded.Active {
		test.Fatalf("expected active 15%% discount, got %+v", loaded)
	}
	if loaded.StartsAtUnixUTC == 0 || loaded.EndsAtUnixUTC != 0 {
		test.Fatalf("expected open-ended window, got %+v", loaded)
	}
	if len(loaded.AutomationIDs) != 2 || loaded.AutomationIDs[0] != "auto-a" || loaded.AutomationIDs[1] != "auto-b" {
		test.Fatalf("expected sorted allow-list, got %v", loaded.AutomationIDs)
	}

	_, err = store.GetDiscountByCodeForUpdate(ctx, "UNKNOWN")
	if !errors.Is(err, discount.ErrDiscountNotFound) {
		test.Fatalf("expected ErrDiscountNotFound, got %v", err)
	}
}

func TestDiscountStoreUnscopedDiscountHasEmptyAllowList(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	store := NewDiscountStore(db)
	seedDiscount(test, db, "EVERYWHERE", 10)

	loaded, err := store.GetDiscountByCodeForUpdate(context.Background(), "EVERYWHERE")
	if err != nil {
		test.Fatalf("get discount: %v", err)
	}
	if len(loaded.AutomationIDs) != 0 {
		test.Fatalf("expected empty allow-list, got %v", loaded.AutomationIDs)
	}
}

func seedRedemption(test *testing.T, store *DiscountStore, seeded Discount, userID string, createdUnixUTC int64) discount.Redemption {
	test.Helper()
	row, err := store.InsertRedemption(context.Background(), discount.Redemption{
		DiscountID:      seeded.ID,
		Code:            seeded.Code,
		UserID:          userID,
		AutomationID:    "auto-disc",
		AmountBeforeIRR: 100000,
		AmountOffIRR:    15000,
		AmountAfterIRR:  85000,
		CreatedUnixUTC:  createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("seed redemption: %v", err)
	}
	return row
}

func TestDiscountStoreCountsRedemptions(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	store := NewDiscountStore(db)
	ctx := context.Background()
	seeded := seedDiscount(test, db, "COUNTME", 15)
	base := time.Now().UTC().Add(-time.Hour).Unix()

	seedRedemption(test, store, seeded, "user-a", base)
	seedRedemption(test, store, seeded, "user-a", base+10)
	seedRedemption(test, store, seeded, "user-b", base+20)

	total, err := store.CountRedemptions(ctx, seeded.ID)
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if total != 3 {
		test.Fatalf("expected 3 redemptions, got %d", total)
	}

	perUser, err := store.CountUserRedemptions(ctx, seeded.ID, "user-a")
	if err != nil {
		test.Fatalf("count per user: %v", err)
	}
	if perUser != 2 {
		test.Fatalf("expected 2 redemptions for user-a, got %d", perUser)
	}
}

func TestDiscountStoreAttachNewestUnattached(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	store := NewDiscountStore(db)
	ctx := context.Background()
	seeded := seedDiscount(test, db, "ATTACH", 15)
	base := time.Now().UTC().Add(-time.Hour).Unix()

	seedRedemption(test, store, seeded, "user-c", base)
	newest := seedRedemption(test, store, seeded, "user-c", base+10)

	attached, err := store.AttachNewestUnattached(ctx, "user-c", "auto-disc", "pay-attach-1")
	if err != nil {
		test.Fatalf("attach: %v", err)
	}
	if !attached {
		test.Fatalf("expected a redemption to attach")
	}
	var row DiscountRedemption
	if err := db.First(&row, "payment_id = ?", "pay-attach-1").Error; err != nil {
		test.Fatalf("read attached row: %v", err)
	}
	if row.ID != newest.ID {
		test.Fatalf("expected newest reservation attached, got %s", row.ID)
	}

	// Replaying the same payment id must not steal the older reservation.
	replayed, err := store.AttachNewestUnattached(ctx, "user-c", "auto-disc", "pay-attach-1")
	if err != nil {
		test.Fatalf("replayed attach: %v", err)
	}
	if replayed {
		test.Fatalf("expected replayed attach to be a no-op")
	}

	second, err := store.AttachNewestUnattached(ctx, "user-c", "auto-disc", "pay-attach-2")
	if err != nil {
		test.Fatalf("second attach: %v", err)
	}
	if !second {
		test.Fatalf("expected older reservation to attach")
	}

	exhausted, err := store.AttachNewestUnattached(ctx, "user-c", "auto-disc", "pay-attach-3")
	if err != nil {
		test.Fatalf("exhausted attach: %v", err)
	}
	if exhausted {
		test.Fatalf("expected no reservations left to attach")
	}
}

func TestCatalogStoreGetAutomation(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	store := NewCatalogStore(db)
	now := time.Now().UTC()
	row := Automation{
		ID:                "auto-catalog",
		Name:              "Invoice Chaser",
		Status:            string(catalog.AutomationStatusActive),
		Healthy:           true,
		PricePerTokenIRR:  2500,
		DemoGrantTokens:   5,
		MinPurchaseTokens: 10,
		MaxPurchaseTokens: 1000,
		ServiceTokenHash:  "$2a$04$notarealhash",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := db.Create(&row).Error; err != nil {
		test.Fatalf("seed automation: %v", err)
	}

	loaded, err := store.GetAutomation(context.Background(), "auto-catalog")
	if err != nil {
		test.Fatalf("get automation: %v", err)
	}
	if loaded.Name != "Invoice Chaser" || loaded.PricePerTokenIRR != 2500 {
		test.Fatalf("expected seeded fields, got %+v", loaded)
	}
	if loaded.ServiceTokenHash != "$2a$04$notarealhash" {
		test.Fatalf("expected service token hash round trip, got %q", loaded.ServiceTokenHash)
	}
	if !loaded.Purchasable() {
		test.Fatalf("expected active healthy automation to be purchasable")
	}

	_, err = store.GetAutomation(context.Background(), "no-such-automation")
	if !errors.Is(err, catalog.ErrAutomationNotFound) {
		test.Fatalf("expected ErrAutomationNotFound, got %v", err)
	}
}
