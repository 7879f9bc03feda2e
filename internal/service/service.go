package service

import (
	"context"

	"mcm_daemon/internal/models"
)

// Authorization issues and checks API bearer tokens.
type Authorization interface {
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (string, error)
}

// Monitoring exposes the read-only fan snapshot.
type Monitoring interface {
	GetState(ctx context.Context) (models.FanStatus, error)
}

// Control changes the fan mode and runs dispatcher commands. Every call
// goes through the daemon loop.
type Control interface {
	SetMode(ctx context.Context, p ModeParams) (CommandResult, error)
	Execute(ctx context.Context, command string) (CommandResult, error)
}

// Service aggregates the sub-services the HTTP layer needs.
type Service struct {
	Authorization
	Monitoring
	Control
}

// Deps are the daemon pieces the services are built on.
type Deps struct {
	Auth        AuthConfig
	Status      StatusSource
	Submitter   Submitter
	ReplyBuffer int
}

func NewService(d Deps) *Service {
	return &Service{
		Authorization: NewAuthService(d.Auth),
		Monitoring:    NewMonitoringService(d.Status),
		Control:       NewControlService(d.Submitter, d.ReplyBuffer),
	}
}
