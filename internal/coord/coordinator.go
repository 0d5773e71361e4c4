package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loopline/internal/config"
	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/repo"
)

// Coordinator arbitrates concurrent access to named shared resources via
// TTL leases, and serializes integration through the merge queue. A single
// Coordinator instance is assumed per workspace; per-resource merge
// execution is serialized with in-process keyed mutexes.
type Coordinator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	merge keyedMutex
}

func New(db *sql.DB, cfg *config.Config) *Coordinator {
	return &Coordinator{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ReservationConflict is the structured result returned when a lease
// cannot be granted. It is an expected outcome of concurrent operation,
// not an error.
type ReservationConflict struct {
	Type     string               `json:"type"`
	Target   string               `json:"target"`
	Blocking []domain.Reservation `json:"blocking"`
}

type ReservationOptions struct {
	CollaboratorID string
	AgentSetID     string
	ExecutionID    string
	Type           string
	Target         string
	Exclusive      bool
	Reason         string
	DurationMs     int64
}

const defaultLeaseDurationMs = 10 * 60 * 1000

func (c *Coordinator) leaseDuration(requested int64) time.Duration {
	d := requested
	if d <= 0 {
		d = defaultLeaseDurationMs
		if c.Config != nil && c.Config.Leases.DefaultDurationMs > 0 {
			d = c.Config.Leases.DefaultDurationMs
		}
	}
	if c.Config != nil && c.Config.Leases.MaxDurationMs > 0 && d > c.Config.Leases.MaxDurationMs {
		d = c.Config.Leases.MaxDurationMs
	}
	return time.Duration(d) * time.Millisecond
}

func expired(now time.Time, expiresAt string) bool {
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}

// CreateReservation grants a lease unless a conflicting one exists. An
// exclusive request conflicts with any live reservation on the resource;
// a shared request conflicts only with a live exclusive one. Expired
// reservations are reclaimed during the check.
func (c *Coordinator) CreateReservation(ctx context.Context, opts ReservationOptions) (domain.Reservation, *ReservationConflict, error) {
	var res domain.Reservation
	if opts.CollaboratorID == "" {
		return res, nil, errors.New("collaborator is required")
	}
	if opts.Type == "" || opts.Target == "" {
		return res, nil, errors.New("resource type and target are required")
	}
	now := c.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, nil, err
	}
	defer tx.Rollback()

	if err := c.Repo.DeleteExpiredReservations(ctx, tx, opts.Type, opts.Target, nowStr); err != nil {
		return res, nil, err
	}
	existing, err := c.Repo.ListReservationsTx(ctx, tx, repo.ReservationFilters{Type: opts.Type, Target: opts.Target})
	if err != nil {
		return res, nil, err
	}
	var blocking []domain.Reservation
	for _, r := range existing {
		if expired(now, r.ExpiresAt) {
			continue
		}
		if opts.Exclusive || r.Exclusive {
			blocking = append(blocking, r)
		}
	}
	if len(blocking) > 0 {
		// commit so the lazy GC above sticks
		if err := tx.Commit(); err != nil {
			return res, nil, err
		}
		return res, &ReservationConflict{Type: opts.Type, Target: opts.Target, Blocking: blocking}, nil
	}

	res = domain.Reservation{
		ID:             uuid.New().String(),
		CollaboratorID: opts.CollaboratorID,
		AgentSetID:     opts.AgentSetID,
		ExecutionID:    opts.ExecutionID,
		Type:           opts.Type,
		Target:         opts.Target,
		Exclusive:      opts.Exclusive,
		Reason:         opts.Reason,
		CreatedAt:      nowStr,
		ExpiresAt:      now.Add(c.leaseDuration(opts.DurationMs)).Format(time.RFC3339),
	}
	if err := c.Repo.InsertReservation(ctx, tx, res); err != nil {
		return res, nil, err
	}
	if err := c.Events.Append(ctx, tx, "reservation.created", opts.ExecutionID, "reservation", res.ID, opts.CollaboratorID, events.EventPayload{
		"type":       res.Type,
		"target":     res.Target,
		"exclusive":  res.Exclusive,
		"expires_at": res.ExpiresAt,
	}); err != nil {
		return res, nil, err
	}
	if err := tx.Commit(); err != nil {
		return res, nil, err
	}
	return res, nil, nil
}

// ReleaseReservation removes a lease. Only the owning collaborator may
// release it; an expired reservation reads as not found.
func (c *Coordinator) ReleaseReservation(ctx context.Context, id, collaboratorID string) error {
	res, err := c.Repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if collaboratorID != "" && res.CollaboratorID != collaboratorID {
		return fmt.Errorf("reservation %s owned by %s", id, res.CollaboratorID)
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.DeleteReservation(ctx, tx, id); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "reservation.released", res.ExecutionID, "reservation", id, collaboratorID, events.EventPayload{
		"type":   res.Type,
		"target": res.Target,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ExtendReservation adds to the current expiry rather than resetting it,
// which bounds how far a lease can grow per call.
func (c *Coordinator) ExtendReservation(ctx context.Context, id string, additionalMs int64) (domain.Reservation, error) {
	var res domain.Reservation
	if additionalMs <= 0 {
		return res, errors.New("additional duration must be positive")
	}
	res, err := c.Repo.GetReservation(ctx, id)
	if err != nil {
		return res, err
	}
	now := c.now().UTC()
	if expired(now, res.ExpiresAt) {
		// a lapsed lease is gone; callers must re-reserve
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return res, err
		}
		defer tx.Rollback()
		if err := c.Repo.DeleteReservation(ctx, tx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
		if err := tx.Commit(); err != nil {
			return res, err
		}
		return res, repo.ErrNotFound
	}
	exp, err := time.Parse(time.RFC3339, res.ExpiresAt)
	if err != nil {
		return res, fmt.Errorf("reservation %s expiry: %w", id, err)
	}
	newExpiry := exp.Add(time.Duration(additionalMs) * time.Millisecond).Format(time.RFC3339)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateReservationExpiry(ctx, tx, id, newExpiry); err != nil {
		return res, err
	}
	if err := c.Events.Append(ctx, tx, "reservation.extended", res.ExecutionID, "reservation", id, res.CollaboratorID, events.EventPayload{
		"expires_at": newExpiry,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.ExpiresAt = newExpiry
	return res, nil
}

// CheckResourceBlocked returns all live reservations on a resource. It is
// advisory only; CreateReservation is the sole atomicity point.
func (c *Coordinator) CheckResourceBlocked(ctx context.Context, typ, target string) ([]domain.Reservation, error) {
	existing, err := c.Repo.ListReservations(ctx, repo.ReservationFilters{Type: typ, Target: target})
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	var live []domain.Reservation
	for _, r := range existing {
		if !expired(now, r.ExpiresAt) {
			live = append(live, r)
		}
	}
	return live, nil
}

// ReleaseForExecutionTx drops every reservation held on an execution's
// behalf, inside the caller's transaction. Used by abort.
func (c *Coordinator) ReleaseForExecutionTx(ctx context.Context, tx *sql.Tx, executionID, actorID string) ([]domain.Reservation, error) {
	held, err := c.Repo.ListReservationsByExecutionTx(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, nil
	}
	if err := c.Repo.DeleteReservationsByExecutionTx(ctx, tx, executionID); err != nil {
		return nil, err
	}
	for _, r := range held {
		if err := c.Events.Append(ctx, tx, "reservation.released", executionID, "reservation", r.ID, actorID, events.EventPayload{
			"type":    r.Type,
			"target":  r.Target,
			"cascade": "abort",
		}); err != nil {
			return nil, err
		}
	}
	return held, nil
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
