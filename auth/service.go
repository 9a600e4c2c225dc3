package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collections/agent"
)

var (
	// ErrInvalidToken signals a malformed, expired or wrongly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInactiveAgent signals the agent exists but may not sign in.
	ErrInactiveAgent = errors.New("auth: agent inactive")
)

// AgentLookup resolves directory entries for token issuance.
type AgentLookup interface {
	GetByID(ctx context.Context, id string) (agent.Agent, error)
}

// Service issues and verifies bearer tokens.
type Service struct {
	agents    AgentLookup
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a new token service.
func NewService(agents AgentLookup, jwtSecret string) *Service {
	return &Service{
		agents:    agents,
		jwtSecret: []byte(jwtSecret),
		ttl:       12 * time.Hour,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for iat/exp claims.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Issue returns a signed token for an active agent.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (string, error) {
	a, err := s.agents.GetByID(ctx, req.AgentID)
	if err != nil {
		return "", err
	}
	if !a.Active {
		return "", ErrInactiveAgent
	}
	token, err := s.generateToken(a.ID, a.Role)
	if err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a JWT and returns the caller identity.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	agentID, ok := claims["agent_id"].(string)
	if !ok || agentID == "" {
		return Identity{}, fmt.Errorf("%w: missing agent_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := agent.Role(roleStr)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return Identity{AgentID: agentID, Role: role}, nil
}

func (s *Service) generateToken(agentID string, role agent.Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"agent_id": agentID,
		"role":     string(role),
		"exp":      now.Add(s.ttl).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
