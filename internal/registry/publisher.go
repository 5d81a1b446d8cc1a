package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/errors"
)

// PushRequest identifies a saved image and where it should go
type PushRequest struct {
	Tarball  string // output of `docker save`
	Target   string // e.g. 123456789012.dkr.ecr.us-east-1.amazonaws.com/hello:2HFj3kLm
	Insecure bool   // allow plain http to the registry
}

// PushResult describes a pushed image
type PushResult struct {
	Reference       string // tag reference as pushed
	Digest          string // manifest digest, sha256:...
	DigestReference string // repo@sha256:...
	Attempts        int
}

// Publisher pushes images to a registry, retrying transient failures
type Publisher struct {
	auth      Authenticator
	policy    RetryPolicy
	transport http.RoundTripper
	logger    zerolog.Logger
}

// PublisherOption customizes a Publisher
type PublisherOption func(*Publisher)

// WithRetryPolicy overrides DefaultRetryPolicy
func WithRetryPolicy(policy RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithTransport sets the http transport used to reach the registry
func WithTransport(t http.RoundTripper) PublisherOption {
	return func(p *Publisher) {
		p.transport = t
	}
}

// NewPublisher returns a Publisher that resolves credentials with auth
func NewPublisher(auth Authenticator, logger zerolog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		auth:   auth,
		policy: DefaultRetryPolicy(),
		logger: logger.With().Str("component", "publisher").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Push loads the image saved at req.Tarball and pushes it to req.Target
func (p *Publisher) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	if _, err := os.Stat(req.Tarball); err != nil {
		return nil, fmt.Errorf("%w: image tarball %s: %v", errors.ErrPushFailed, req.Tarball, err)
	}

	img, err := tarball.ImageFromPath(req.Tarball, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load image from %s: %v", errors.ErrPushFailed, req.Tarball, err)
	}

	return p.push(ctx, img, req.Target, req.Insecure)
}

// PushImage pushes img to target
func (p *Publisher) PushImage(ctx context.Context, img v1.Image, target string) (*PushResult, error) {
	return p.push(ctx, img, target, false)
}

func (p *Publisher) push(ctx context.Context, img v1.Image, target string, insecure bool) (*PushResult, error) {
	opts := []name.Option{name.WeakValidation}
	if insecure {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.NewTag(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errors.ErrInvalidReference, target, err)
	}

	registry := ref.Context().RegistryStr()
	logger := p.logger.With().Str("reference", ref.String()).Logger()

	auth, err := p.auth.Resolve(ctx, registry)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve credentials for %s: %v", errors.ErrPushFailed, registry, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compute image digest: %v", errors.ErrPushFailed, err)
	}

	remoteOpts := []remote.Option{
		remote.WithAuth(auth),
		remote.WithContext(ctx),
		// retries are owned by the backoff below
		remote.WithRetryBackoff(remote.Backoff{Steps: 1}),
	}
	if p.transport != nil {
		remoteOpts = append(remoteOpts, remote.WithTransport(p.transport))
	}

	var attempts int
	operation := func() error {
		attempts++
		err := remote.Write(ref, img, remoteOpts...)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempts).Dur("wait", wait).Msg("transient push failure, retrying")
	}

	logger.Info().Str("digest", digest.String()).Msg("pushing image")
	if err := backoff.RetryNotify(operation, p.policy.backOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempt(s): %v", errors.ErrPushFailed, ref.String(), attempts, err)
	}
	logger.Info().Str("digest", digest.String()).Int("attempts", attempts).Msg("image pushed")

	return &PushResult{
		Reference:       ref.String(),
		Digest:          digest.String(),
		DigestReference: ref.Context().Digest(digest.String()).String(),
		Attempts:        attempts,
	}, nil
}
