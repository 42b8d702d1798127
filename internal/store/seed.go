package store

import (
	"context"
	"fmt"
)

// SeedResult names the records created by Seed.
type SeedResult struct {
	Users    []User
	Server   Server
	Channels []Channel
}

// Seed inserts two users sharing one server, for local development.
func (s *Store) Seed(ctx context.Context) (*SeedResult, error) {
	users := []User{
		{Username: "anmol", Email: "anmol@example.com"},
		{Username: "john", Email: "john@example.com"},
	}
	for i := range users {
		if err := s.CreateUser(ctx, &users[i]); err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
	}

	server := Server{Name: "Test Server", OwnerID: users[0].ID}
	channels, err := s.CreateServer(ctx, &server)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if err := s.AddMember(ctx, server.ID, users[1].ID, RoleMember); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return &SeedResult{Users: users, Server: server, Channels: channels}, nil
}
