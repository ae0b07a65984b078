package service

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
	"github.com/noah-isme/enrollment-reconciler/internal/repository"
)

// fakeEnrollmentStore mimics the repository's compare-and-set semantics in memory.
type fakeEnrollmentStore struct {
	mu          sync.Mutex
	rows        map[string]models.Enrollment
	memberships map[string]models.StudentLocationMembership
	audits      []models.ActivityLogEntry
	touched     []string

	findErr     error
	applyErr    map[string]error
	listErr     error
	touchErr    error
	beforeApply func(id string)
}

func newFakeEnrollmentStore(rows ...models.Enrollment) *fakeEnrollmentStore {
	s := &fakeEnrollmentStore{
		rows:        make(map[string]models.Enrollment),
		memberships: make(map[string]models.StudentLocationMembership),
		applyErr:    make(map[string]error),
	}
	for _, row := range rows {
		if row.Version == 0 {
			row.Version = 1
		}
		s.rows[row.ID] = row
	}
	return s
}

func (s *fakeEnrollmentStore) FindByID(_ context.Context, id string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	row, ok := s.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &row, nil
}

func (s *fakeEnrollmentStore) ApplyTransition(_ context.Context, params repository.TransitionParams) (*models.Enrollment, error) {
	if s.beforeApply != nil {
		s.beforeApply(params.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyErr[params.ID]; err != nil {
		return nil, err
	}
	row, ok := s.rows[params.ID]
	if !ok || row.Status != params.ExpectedStatus || row.Version != params.ExpectedVersion {
		return nil, sql.ErrNoRows
	}
	row.Status = params.Target
	if params.CheckoutReference != nil {
		row.CheckoutReference = params.CheckoutReference
	}
	row.Paid = row.Paid || params.MarkPaid
	if params.ReviewedBy != nil {
		row.ReviewedBy = params.ReviewedBy
	}
	if params.ReviewedAt != nil {
		row.ReviewedAt = params.ReviewedAt
	}
	if params.RejectionReason != nil {
		row.RejectionReason = params.RejectionReason
	}
	if params.CancellationReason != nil {
		row.CancellationReason = params.CancellationReason
	}
	row.UpdatedAt = params.UpdatedAt
	row.Version++
	s.rows[row.ID] = row

	if m := params.Membership; m != nil {
		s.memberships[m.StudentID+"|"+m.LocationID] = *m
	}
	if params.Audit != nil {
		s.audits = append(s.audits, *params.Audit)
	}
	return &row, nil
}

func (s *fakeEnrollmentStore) ListByNaturalKey(_ context.Context, key models.NaturalKey) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Enrollment
	for _, row := range s.rows {
		if strings.EqualFold(row.GuardianEmail, key.GuardianEmail) &&
			row.ChildFirstName == key.ChildFirstName &&
			row.ChildLastName == key.ChildLastName &&
			row.LocationID == key.LocationID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

func (s *fakeEnrollmentStore) ListPaidUnsettled(_ context.Context, statuses []models.EnrollmentStatus) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Enrollment
	for _, row := range s.rows {
		if row.CheckoutReference == nil {
			continue
		}
		for _, st := range statuses {
			if row.Status == st {
				out = append(out, row)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeEnrollmentStore) TouchStalePending(_ context.Context, cutoff, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touchErr != nil {
		return nil, s.touchErr
	}
	var ids []string
	for id, row := range s.rows {
		if row.Status == models.EnrollmentStatusPending && row.CheckoutReference == nil && row.SubmittedAt.Before(cutoff) {
			if row.UpdatedAt.Before(cutoff) {
				row.UpdatedAt = now
				s.rows[id] = row
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	s.touched = append(s.touched, ids...)
	return ids, nil
}

func (s *fakeEnrollmentStore) row(id string) models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *fakeEnrollmentStore) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

type fakeActivityStore struct {
	mu        sync.Mutex
	entries   []models.ActivityLogEntry
	createErr error
	listErr   error
}

func (a *fakeActivityStore) Create(_ context.Context, entry *models.ActivityLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return a.createErr
	}
	a.entries = append(a.entries, *entry)
	return nil
}

func (a *fakeActivityStore) ListByEntity(_ context.Context, entityType, entityID string, _ int) ([]models.ActivityLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	var out []models.ActivityLogEntry
	for _, e := range a.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []StatusChangedEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if routingKey == RoutingKeyStatusChanged {
		p.events = append(p.events, payload.(StatusChangedEvent))
	}
	return nil
}

func strPtr(s string) *string { return &s }

func pendingEnrollment(id string, submitted time.Time) models.Enrollment {
	return models.Enrollment{
		ID:             id,
		GuardianEmail:  "alice@example.com",
		ChildFirstName: "Gracie",
		ChildLastName:  "Doe",
		LocationID:     "loc-1",
		Status:         models.EnrollmentStatusPending,
		SubmittedAt:    submitted,
		Version:        1,
	}
}
