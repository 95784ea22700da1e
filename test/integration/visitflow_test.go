package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/visitflow/internal/domain/pharmacy"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/events"
)

func TestDispense_InsufficientStock(t *testing.T) {
	ctx := context.Background()
	tn := newTenant(t, "shortage")
	drugID := tn.addDrug(t, "AMOX500", 5, 2, "0.35")
	visitID, p := tn.atPharmacy(t, drugID, 10)

	_, err := tn.pharmacy.Dispense(ctx, p.ID, pharmacist)
	var ise *apperror.InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if len(ise.Shortages) != 1 || ise.Shortages[0].Shortfall != 5 || ise.Shortages[0].Available != 5 {
		t.Errorf("unexpected shortages: %+v", ise.Shortages)
	}

	got, err := tn.pharmacy.GetPrescription(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPrescription: %v", err)
	}
	if got.Status != pharmacy.PrescriptionPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
	d, _ := tn.pharmacy.GetDrug(ctx, drugID)
	if d.StockQuantity != 5 {
		t.Errorf("stock must be untouched, got %d", d.StockQuantity)
	}

	// Only the consultation fee has been charged.
	bill, err := tn.billing.GetBill(ctx, visitID)
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if len(bill.Charges) != 1 {
		t.Errorf("expected 1 charge, got %d", len(bill.Charges))
	}
	if _, err := tn.visits.RequestTransition(ctx, visitID, visit.StatusBilling, pharmacist); apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Errorf("expected precondition_failed leaving pharmacy, got %v", err)
	}
}

func TestDispense_ToCompletion(t *testing.T) {
	ctx := context.Background()
	tn := newTenant(t, "dispense")
	drugID := tn.addDrug(t, "AMOX500", 20, 2, "0.35")
	visitID, p := tn.atPharmacy(t, drugID, 10)

	got, err := tn.pharmacy.Dispense(ctx, p.ID, pharmacist)
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if got.Status != pharmacy.PrescriptionDispensed {
		t.Errorf("expected DISPENSED, got %s", got.Status)
	}
	d, _ := tn.pharmacy.GetDrug(ctx, drugID)
	if d.StockQuantity != 10 {
		t.Errorf("expected stock 10, got %d", d.StockQuantity)
	}
	movements, total, err := tn.pharmacy.ListMovements(ctx, drugID, 10, 0)
	if err != nil {
		t.Fatalf("ListMovements: %v", err)
	}
	if total != 1 || movements[0].QuantityDelta != -10 || movements[0].BalanceAfter != 10 {
		t.Errorf("unexpected movements: total=%d %+v", total, movements)
	}

	if _, err := tn.pharmacy.Dispense(ctx, p.ID, pharmacist); apperror.KindOf(err) != apperror.KindAlreadyDispensed {
		t.Errorf("expected already_dispensed on redispense, got %v", err)
	}

	bill, err := tn.billing.GetBill(ctx, visitID)
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if !bill.Total.Equal(decimal.RequireFromString("28.50")) {
		t.Errorf("expected total 28.50, got %s", bill.Total)
	}
	if n := len(tn.rec.Events(events.PrescriptionDispensed)); n != 1 {
		t.Errorf("expected 1 dispensed event after commit, got %d", n)
	}

	if _, err := tn.visits.RequestTransition(ctx, visitID, visit.StatusBilling, pharmacist); err != nil {
		t.Fatalf("to billing: %v", err)
	}
	if _, err := tn.visits.RequestTransition(ctx, visitID, visit.StatusCompleted, cashier); apperror.ConflictReasonOf(err) != apperror.ReasonPreconditionFailed {
		t.Fatalf("expected unpaid bill to block completion, got %v", err)
	}
	if _, err := tn.billing.MarkPaid(ctx, visitID, cashier); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	v, err := tn.visits.RequestTransition(ctx, visitID, visit.StatusCompleted, cashier)
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if v.Status != visit.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", v.Status)
	}
}

// Several visits compete for the same units of a drug. The drug lock and
// the row lock on the drug master let exactly one of them through.
func TestDispense_ConcurrentStock(t *testing.T) {
	ctx := context.Background()
	tn := newTenant(t, "race")
	drugID := tn.addDrug(t, "PCM500", 10, 0, "0.10")

	const visits = 4
	prescriptions := make([]*pharmacy.Prescription, visits)
	for i := range prescriptions {
		_, prescriptions[i] = tn.atPharmacy(t, drugID, 10)
	}

	results := make([]error, visits)
	var g errgroup.Group
	for i, p := range prescriptions {
		i, id := i, p.ID
		g.Go(func() error {
			_, results[i] = tn.pharmacy.Dispense(ctx, id, pharmacist)
			return nil
		})
	}
	g.Wait()

	var ok, short int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case apperror.KindOf(err) == apperror.KindInsufficientStock:
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != visits-1 {
		t.Errorf("expected 1 dispensed and %d short, got %d and %d", visits-1, ok, short)
	}
	d, _ := tn.pharmacy.GetDrug(ctx, drugID)
	if d.StockQuantity != 0 {
		t.Errorf("expected stock 0, got %d", d.StockQuantity)
	}
}

func TestRecordCharge_Idempotent(t *testing.T) {
	ctx := context.Background()
	tn := newTenant(t, "charge")
	drugID := tn.addDrug(t, "AMOX500", 20, 2, "0.35")
	visitID, p := tn.atPharmacy(t, drugID, 2)

	amount := decimal.RequireFromString("4.00")
	for i := 0; i < 3; i++ {
		if _, err := tn.billing.RecordCharge(ctx, visitID, events.PrescriptionDispensed, p.ID, "manual", amount); err != nil {
			t.Fatalf("RecordCharge #%d: %v", i, err)
		}
	}
	bill, err := tn.billing.GetBill(ctx, visitID)
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if len(bill.Charges) != 2 {
		t.Errorf("expected consultation fee and one manual charge, got %d", len(bill.Charges))
	}
	if !bill.Total.Equal(decimal.RequireFromString("29.00")) {
		t.Errorf("expected total 29.00, got %s", bill.Total)
	}
}
