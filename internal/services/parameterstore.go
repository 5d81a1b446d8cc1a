package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/savaki/eks-deployer/internal/errors"
)

// SSMPrefix marks a config value that should be read from the parameter store
const SSMPrefix = "ssm:"

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetParametersByPath retrieves every parameter below path, keyed by the
	// name relative to path
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

// Resolve returns value unchanged unless it has the form ssm:/path/to/param,
// in which case the parameter is looked up in store
func Resolve(ctx context.Context, store ParameterStore, value string) (string, error) {
	if !strings.HasPrefix(value, SSMPrefix) {
		return value, nil
	}

	name := strings.TrimPrefix(value, SSMPrefix)
	if name == "" {
		return "", fmt.Errorf("%w: empty parameter name in %q", errors.ErrInvalidConfig, value)
	}

	resolved, err := store.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", fmt.Errorf("%w: parameter %s is empty", errors.ErrInvalidConfig, name)
	}
	return resolved, nil
}

// SSMAPI is the subset of the SSM client used by SSMParameterStore
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client SSMAPI
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMAPI) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		cache:  make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetParametersByPath retrieves all parameters below path, following pagination
func (s *SSMParameterStore) GetParametersByPath(ctx context.Context, path string) (map[string]string, error) {
	path = strings.TrimSuffix(path, "/")
	params := make(map[string]string)

	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           &path,
		Recursive:      boolPtr(true),
		WithDecryption: boolPtr(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}
		for _, param := range page.Parameters {
			if param.Name == nil || param.Value == nil {
				continue
			}
			s.mu.Lock()
			s.cache[*param.Name] = *param.Value
			s.mu.Unlock()

			params[strings.TrimPrefix(*param.Name, path+"/")] = *param.Value
		}
	}

	return params, nil
}

// EnvParameterStore implements ParameterStore using environment variables.
// Parameter /dev/hello/db-host is read from DEV_HELLO_DB_HOST.
type EnvParameterStore struct {
	environ func() []string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore() *EnvParameterStore {
	return &EnvParameterStore{
		environ: os.Environ,
	}
}

// GetParameter retrieves a parameter from environment variables
func (e *EnvParameterStore) GetParameter(_ context.Context, name string) (string, error) {
	key := EnvName(name)
	for _, kv := range e.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, nil
		}
	}
	return "", nil
}

// GetParametersByPath returns every variable whose name starts with EnvName(path)
func (e *EnvParameterStore) GetParametersByPath(_ context.Context, path string) (map[string]string, error) {
	prefix := EnvName(path) + "_"
	params := make(map[string]string)
	for _, kv := range e.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || k == prefix {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix))
		params[strings.ReplaceAll(key, "_", "-")] = v
	}
	return params, nil
}

// EnvName maps a parameter name onto an environment variable name
func EnvName(name string) string {
	name = strings.Trim(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return strings.ToUpper(name)
}

func boolPtr(b bool) *bool {
	return &b
}
