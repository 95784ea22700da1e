package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/visitflow/internal/domain/billing"
	"github.com/ehr/visitflow/internal/domain/consultation"
	"github.com/ehr/visitflow/internal/domain/laboratory"
	"github.com/ehr/visitflow/internal/domain/pharmacy"
	"github.com/ehr/visitflow/internal/domain/pricing"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/blobstore"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/events"
	"github.com/ehr/visitflow/internal/platform/lock"
	"github.com/ehr/visitflow/migrations"
)

var (
	registrar  = auth.Actor{UserID: "reg-1", Roles: []string{auth.RoleRegistrar}}
	nurse      = auth.Actor{UserID: "nurse-1", Roles: []string{auth.RoleNurse}}
	physician  = auth.Actor{UserID: "doc-1", Roles: []string{auth.RolePhysician}}
	pharmacist = auth.Actor{UserID: "pharm-1", Roles: []string{auth.RolePharmacist}}
	cashier    = auth.Actor{UserID: "cash-1", Roles: []string{auth.RoleCashier}}
)

// connStr points at the shared container, set once in TestMain.
var connStr string

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Fprintln(os.Stderr, "docker not found, skipping postgres integration tests")
		os.Exit(0)
	}
	ctx := context.Background()
	var (
		cleanup func()
		err     error
	)
	connStr, cleanup, err = startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// tenant is a migrated clinic schema with the services wired to it.
type tenant struct {
	id            string
	pool          *pgxpool.Pool
	visits        *visit.Service
	consultations *consultation.Service
	labs          *laboratory.Service
	pharmacy      *pharmacy.Service
	billing       *billing.Service
	rec           *events.Recorder
}

func uniqueTenantID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
}

// newTenant creates and migrates a schema and returns services bound to a
// pool whose connections default to that schema.
func newTenant(t *testing.T, prefix string) *tenant {
	t.Helper()
	ctx := context.Background()
	id := uniqueTenantID(prefix)

	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer admin.Close()
	if err := db.CreateTenantSchema(ctx, admin, id, migrations.FS); err != nil {
		t.Fatalf("create tenant %s: %v", id, err)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = db.SchemaName(id) + ", public"
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("tenant pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		dropTenant(id)
	})

	bus := events.NewBus(zerolog.Nop())
	rec := &events.Recorder{}
	bus.AddSink(rec)
	tx := db.NewTransactor(pool)
	locker := lock.NewKeyedMutex(10 * time.Second)

	labRepo := laboratory.NewRepo(pool)
	drugRepo := pharmacy.NewRepo(pool)
	visits := visit.NewService(visit.NewRepo(pool), tx, locker, bus)
	consultations := consultation.NewService(consultation.NewRepo(pool), tx, locker, bus, visits)
	labs := laboratory.NewService(labRepo, tx, locker, bus, visits, consultations, blobstore.NewMemoryStore())
	consultations.SetLabResults(labs)
	rx := pharmacy.NewService(drugRepo, tx, locker, bus, visits, consultations)
	bills := billing.NewService(billing.NewRepo(pool), tx, locker, bus, visits,
		pricing.NewService(labRepo, drugRepo, decimal.RequireFromString("25.00")))
	bus.Subscribe(bills, billing.ChargedEvents...)
	visits.SetGuards(visit.Guards{Consultations: consultations, Labs: labs, Prescriptions: rx, Billing: bills})

	return &tenant{
		id:            id,
		pool:          pool,
		visits:        visits,
		consultations: consultations,
		labs:          labs,
		pharmacy:      rx,
		billing:       bills,
		rec:           rec,
	}
}

func dropTenant(id string) {
	ctx := context.Background()
	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return
	}
	defer admin.Close()
	admin.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", db.SchemaName(id)))
}

// addDrug seeds the drug master, which the service only reads.
func (tn *tenant) addDrug(t *testing.T, code string, stock, threshold int, price string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := tn.pool.Exec(context.Background(), `
		INSERT INTO drug (id, code, name, unit, stock_quantity, reorder_threshold, unit_price)
		VALUES ($1, $2, $3, 'tablet', $4, $5, $6)`,
		id, code, code+" tablets", stock, threshold, decimal.RequireFromString(price))
	if err != nil {
		t.Fatalf("seed drug %s: %v", code, err)
	}
	return id
}

// atPharmacy walks a new visit through triage and a finalized consultation
// with one prescription line, and sends it to the pharmacy.
func (tn *tenant) atPharmacy(t *testing.T, drugID uuid.UUID, qty int) (uuid.UUID, *pharmacy.Prescription) {
	t.Helper()
	ctx := context.Background()
	v, err := tn.visits.CreateVisit(ctx, uuid.New(), visit.TypeOutpatient, "sore throat", registrar)
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	pulse := 90
	if _, err := tn.visits.RecordVitals(ctx, v.ID, &visit.Vitals{PulseBPM: &pulse}, nurse); err != nil {
		t.Fatalf("RecordVitals: %v", err)
	}
	if _, err := tn.visits.RouteVisit(ctx, v.ID, visit.StatusWithDoctor, "", nurse); err != nil {
		t.Fatalf("RouteVisit: %v", err)
	}
	opened, err := tn.consultations.OpenConsultation(ctx, v.ID, physician)
	if err != nil {
		t.Fatalf("OpenConsultation: %v", err)
	}
	cid := opened.Record().ID
	if _, err := tn.consultations.SubmitConsultation(ctx, cid, consultation.Submission{
		ChiefComplaint: "sore throat",
		Diagnoses: []consultation.Diagnosis{
			{Code: "J02.9", Description: "Acute pharyngitis", Kind: consultation.DiagnosisFinal},
		},
	}, physician); err != nil {
		t.Fatalf("SubmitConsultation: %v", err)
	}
	p, err := tn.pharmacy.CreatePrescription(ctx, cid, []pharmacy.ItemInput{{DrugID: drugID, Quantity: qty}}, physician)
	if err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
	if _, err := tn.visits.RequestTransition(ctx, v.ID, visit.StatusWithPharmacy, physician); err != nil {
		t.Fatalf("to pharmacy: %v", err)
	}
	return v.ID, p
}
