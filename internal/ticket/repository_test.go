package ticket_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fibratel/routerpilot/internal/store"
	"github.com/fibratel/routerpilot/internal/testutil"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/fibratel/routerpilot/pkg/models"
)

func newRepo(t *testing.T, clock *testutil.Clock) (*ticket.SQLiteRepository, *store.SQLiteStore) {
	t.Helper()
	db := testutil.MigratedStore(t, "ticket", ticket.Migrations)
	return ticket.NewSQLiteRepository(db, clock.Now), db
}

func TestTicketNumbersSequentialPerDay(t *testing.T) {
	clock := testutil.NewClock() // 2025-01-01
	repo, _ := newRepo(t, clock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		r := testutil.NewRequest()
		if err := repo.Create(ctx, &r); err != nil {
			t.Fatalf("Create: %v", err)
		}
		want := fmt.Sprintf("SR-20250101-%04d", i)
		if r.TicketNumber != want {
			t.Errorf("TicketNumber = %q, want %q", r.TicketNumber, want)
		}
	}

	// The counter resets on the next day.
	clock.Advance(24 * time.Hour)
	r := testutil.NewRequest()
	if err := repo.Create(ctx, &r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := "SR-20250102-0001"; r.TicketNumber != want {
		t.Errorf("TicketNumber = %q, want %q", r.TicketNumber, want)
	}
}

func TestGetByTicket(t *testing.T) {
	repo, _ := newRepo(t, testutil.NewClock())
	ctx := context.Background()

	r := testutil.NewRequest()
	if err := repo.Create(ctx, &r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByTicket(ctx, r.TicketNumber)
	if err != nil {
		t.Fatalf("GetByTicket: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("id = %q, want %q", got.ID, r.ID)
	}

	if _, err := repo.GetByTicket(ctx, "SR-19700101-0001"); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("GetByTicket(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateFromGuardsAgainstRaces(t *testing.T) {
	repo, _ := newRepo(t, testutil.NewClock())
	ctx := context.Background()

	r := testutil.NewRequest()
	if err := repo.Create(ctx, &r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// First writer moves pending -> in_progress.
	r.State = models.StateInProgress
	if err := repo.UpdateFrom(ctx, &r, models.StatePending); err != nil {
		t.Fatalf("UpdateFrom: %v", err)
	}

	// A writer still holding the pending snapshot loses.
	stale := r
	stale.State = models.StateCancelled
	if err := repo.UpdateFrom(ctx, &stale, models.StatePending); !errors.Is(err, ticket.ErrStaleState) {
		t.Errorf("stale UpdateFrom error = %v, want ErrStaleState", err)
	}

	got, _ := repo.Get(ctx, r.ID)
	if got.State != models.StateInProgress {
		t.Errorf("State = %s, want in_progress (stale write must not land)", got.State)
	}
}

func TestListFilters(t *testing.T) {
	repo, _ := newRepo(t, testutil.NewClock())
	ctx := context.Background()

	custA := "cust-a"
	reqs := []models.ServiceRequest{
		testutil.NewRequest(func(r *models.ServiceRequest) { r.CustomerID = custA }),
		testutil.NewRequest(func(r *models.ServiceRequest) { r.CustomerID = custA }),
		testutil.NewRequest(),
	}
	for i := range reqs {
		if err := repo.Create(ctx, &reqs[i]); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := repo.List(ctx, ticket.Filter{CustomerID: custA})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List(customer) = %d rows, want 2", len(got))
	}

	got, err = repo.List(ctx, ticket.Filter{State: models.StatePending, Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("List(limit=1) = %d rows, want 1", len(got))
	}
}

func TestSoftDeleteHidesButKeepsRow(t *testing.T) {
	repo, db := newRepo(t, testutil.NewClock())
	ctx := context.Background()

	r := testutil.NewRequest()
	if err := repo.Create(ctx, &r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SoftDelete(ctx, r.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	if _, err := repo.Get(ctx, r.ID); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("Get after soft delete error = %v, want ErrNotFound", err)
	}

	// The row itself survives for audit.
	var n int
	if err := db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_requests WHERE id = ? AND deleted_at IS NOT NULL`, r.ID,
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("surviving rows = %d, want 1", n)
	}
}
