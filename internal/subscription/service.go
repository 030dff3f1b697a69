package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("subscription not found")
	ErrInvalidArgument   = errors.New("invalid subscription")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Service is the subscription registry.
//
// Contract:
// - Create validates and stores; new subscriptions start active.
// - ListActive returns a consistent snapshot for matching; a subscription
//   revoked after the snapshot is re-checked by the matcher before any
//   notification row is created, so the snapshot never extends a
//   revocation's lifetime.
// - UpdateStatus enforces forward-only transitions, including under
//   concurrent updates (compare-and-set against the repository).
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

type CreateRequest struct {
	ApplicationID string
	OwnerScope    string
	Filter        Predicate
	Target        DeliveryTarget
	EndDate       *time.Time
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (Subscription, error) {
	if req.ApplicationID == "" {
		return Subscription{}, fmt.Errorf("%w: application_id is required", ErrInvalidArgument)
	}
	if req.OwnerScope == "" {
		return Subscription{}, fmt.Errorf("%w: owner_scope is required", ErrInvalidArgument)
	}
	if err := validTargetURL(req.Target.URL); err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := req.Filter.Validate(); err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	now := s.clock().UTC()
	if req.EndDate != nil && !req.EndDate.After(now) {
		return Subscription{}, fmt.Errorf("%w: end_date must be in the future", ErrInvalidArgument)
	}

	sub := Subscription{
		ID:            uuid.NewString(),
		ApplicationID: req.ApplicationID,
		OwnerScope:    req.OwnerScope,
		Filter:        req.Filter,
		Target:        req.Target,
		Status:        StatusActive,
		EndDate:       req.EndDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id string) (Subscription, error) {
	if id == "" {
		return Subscription{}, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	return s.repo.Get(ctx, id)
}

// ListByApplication returns every subscription owned by an application,
// regardless of status. Applications manage their own set.
func (s *Service) ListByApplication(ctx context.Context, applicationID string) ([]Subscription, error) {
	if applicationID == "" {
		return nil, fmt.Errorf("%w: application_id is required", ErrInvalidArgument)
	}
	return s.repo.ListByApplication(ctx, applicationID)
}

// ListActive returns the matching set: active status and not past EndDate.
func (s *Service) ListActive(ctx context.Context) ([]Subscription, error) {
	return s.repo.ListActive(ctx, s.clock().UTC())
}

// UpdateStatus applies a forward-only status transition.
// Concurrent updates are resolved by compare-and-set: the loop re-reads and
// re-validates after losing a race, so an illegal transition can never slip
// through interleaving.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (Subscription, error) {
	if id == "" {
		return Subscription{}, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	if !isStatus(next) {
		return Subscription{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, next)
	}

	for {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return Subscription{}, err
		}
		if !cur.Status.CanTransition(next) {
			return Subscription{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
		}

		now := s.clock().UTC()
		ok, err := s.repo.CompareAndSetStatus(ctx, id, cur.Status, next, now)
		if err != nil {
			return Subscription{}, err
		}
		if ok {
			cur.Status = next
			cur.UpdatedAt = now
			return cur, nil
		}
		// lost a race; re-read and re-validate
	}
}

// End sets an end date on a subscription, the register's way of closing a
// volgindicatie without revoking it.
func (s *Service) End(ctx context.Context, id string, endDate time.Time) (Subscription, error) {
	if id == "" {
		return Subscription{}, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	now := s.clock().UTC()
	if !endDate.After(now) {
		return Subscription{}, fmt.Errorf("%w: end_date must be in the future", ErrInvalidArgument)
	}
	return s.repo.SetEndDate(ctx, id, endDate, now)
}

// Repository abstracts subscription persistence.
// Implementations must keep reads non-blocking with respect to writers.
type Repository interface {
	Create(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, id string) (Subscription, error)
	ListByApplication(ctx context.Context, applicationID string) ([]Subscription, error)
	// ListActive returns subscriptions with active status whose EndDate, if
	// any, is after at. The result is a snapshot; later writes never mutate
	// returned values.
	ListActive(ctx context.Context, at time.Time) ([]Subscription, error)
	// CompareAndSetStatus moves id from one status to another and reports
	// whether the swap applied. A false return means the row moved on.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	SetEndDate(ctx context.Context, id string, endDate, at time.Time) (Subscription, error)
}

func validTargetURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("delivery target url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("delivery target url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("delivery target url must be http or https")
	}
	if u.Host == "" {
		return errors.New("delivery target url needs a host")
	}
	return nil
}
