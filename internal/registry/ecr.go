package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

var ecrHostRegex = regexp.MustCompile(`^([0-9]{12})\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com(\.cn)?$`)

// tokenCacheExpiryMargin is subtracted from the token expiry reported by ECR
const tokenCacheExpiryMargin = 10 * time.Minute

// ECRHost returns the registry host for an account and region
func ECRHost(account, region string) string {
	host := fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", account, region)
	if strings.HasPrefix(region, "cn-") {
		host += ".cn"
	}
	return host
}

// ParseECRHost extracts the account and region from an ECR registry host
func ParseECRHost(host string) (account, region string, ok bool) {
	matches := ecrHostRegex.FindStringSubmatch(host)
	if len(matches) < 3 {
		return "", "", false
	}
	return matches[1], matches[2], true
}

// ECRAPI is the subset of the ECR client used to fetch registry credentials
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// ECRAuthenticator exchanges AWS credentials for ECR registry credentials.
// Tokens are cached per region. Hosts that are not ECR registries are
// delegated to the fallback.
type ECRAuthenticator struct {
	newClient  func(region string) ECRAPI
	tokenCache *cache.Cache
	fallback   Authenticator
	logger     zerolog.Logger
}

// NewECRAuthenticator returns an ECRAuthenticator using cfg for every region
func NewECRAuthenticator(cfg aws.Config, fallback Authenticator, logger zerolog.Logger) *ECRAuthenticator {
	return NewECRAuthenticatorWithClient(func(region string) ECRAPI {
		return ecr.NewFromConfig(cfg, func(o *ecr.Options) {
			o.Region = region
		})
	}, fallback, logger)
}

// NewECRAuthenticatorWithClient uses newClient to obtain a regional ECR client
func NewECRAuthenticatorWithClient(newClient func(region string) ECRAPI, fallback Authenticator, logger zerolog.Logger) *ECRAuthenticator {
	if fallback == nil {
		fallback = KeychainAuthenticator{}
	}
	return &ECRAuthenticator{
		newClient: newClient,
		// Tokens live for 12 hours; hold them for 10 unless ECR reports an expiry
		tokenCache: cache.New(10*time.Hour, time.Hour),
		fallback:   fallback,
		logger:     logger.With().Str("component", "ecr-auth").Logger(),
	}
}

// Resolve implements Authenticator
func (e *ECRAuthenticator) Resolve(ctx context.Context, registry string) (authn.Authenticator, error) {
	account, region, ok := ParseECRHost(registry)
	if !ok {
		return e.fallback.Resolve(ctx, registry)
	}

	cacheKey := account + "/" + region
	logger := e.logger.With().Str("registry", registry).Logger()

	if entry, found := e.tokenCache.Get(cacheKey); found {
		logger.Debug().Msg("auth token cache hit")
		return decodeAuthToken(entry.(string))
	}
	logger.Debug().Msg("auth token cache miss")

	token, expiry, err := e.getAuthToken(ctx, region)
	if err != nil {
		return nil, err
	}

	ttl, cacheable := cache.DefaultExpiration, true
	if !expiry.IsZero() {
		ttl = time.Until(expiry) - tokenCacheExpiryMargin
		cacheable = ttl > 0
	}
	if cacheable {
		logger.Debug().Time("expiry", expiry).Dur("ttl", ttl).Msg("caching auth token")
		e.tokenCache.Set(cacheKey, token, ttl)
	} else {
		logger.Debug().Time("expiry", expiry).Msg("auth token expires soon; not caching")
	}

	return decodeAuthToken(token)
}

func (e *ECRAuthenticator) getAuthToken(ctx context.Context, region string) (string, time.Time, error) {
	output, err := e.newClient(region).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if output == nil || len(output.AuthorizationData) == 0 {
		return "", time.Time{}, fmt.Errorf("no ECR authorization data returned")
	}

	data := output.AuthorizationData[0]
	token := aws.ToString(data.AuthorizationToken)
	if token == "" {
		return "", time.Time{}, fmt.Errorf("no ECR authorization token returned")
	}
	return token, aws.ToTime(data.ExpiresAt), nil
}

// decodeAuthToken splits a base64 user:password token
func decodeAuthToken(token string) (authn.Authenticator, error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ECR token: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid ECR token format")
	}
	return authn.FromConfig(authn.AuthConfig{
		Username: parts[0],
		Password: parts[1],
	}), nil
}
