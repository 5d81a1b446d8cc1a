package di

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/config"
)

// DryRun is true when nothing outside the local machine should be changed.
// Providers that would connect to the cluster return nil instead.
type DryRun bool

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithContext sets the context passed to providers
func WithContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.ctx = ctx
	}
}

// WithLogger sets the logger passed to providers
func WithLogger(logger zerolog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithConfig registers the pipeline config
func WithConfig(cfg *config.Config) Option {
	return func(opts *options) {
		opts.config = cfg
	}
}

// WithDryRun marks the container as serving a dry run
func WithDryRun(dryRun bool) Option {
	return func(opts *options) {
		opts.dryRun = dryRun
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func() *Database { return &Database{} },
//	    func(db *Database) *Service { return &Service{DB: db} },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	ctx       context.Context
	logger    zerolog.Logger
	config    *config.Config
	dryRun    bool
	providers []any
}
