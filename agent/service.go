package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrInactive is returned when an agent exists but is deactivated.
var ErrInactive = errors.New("agent: inactive")

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context, limit int) ([]Agent, error)
}

// Service exposes directory lookups used by assignment and approval.
type Service struct {
	repo Reader
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the agent for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Agent, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit active agents.
func (s *Service) List(ctx context.Context, limit int) ([]Agent, error) {
	return s.repo.List(ctx, limit)
}

// Assignable returns the agent if it may receive case assignments.
func (s *Service) Assignable(ctx context.Context, id string) (Agent, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Agent{}, err
	}
	if !a.Active {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrInactive)
	}
	return a, nil
}
