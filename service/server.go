package service

import "context"

// Server is a long running service started by the command line.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}
