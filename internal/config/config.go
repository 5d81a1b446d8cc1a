// Package config loads the pipeline description, deployer.yaml, that ties an
// application's build context, registry, manifests and cluster together.
package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/services"
	"gopkg.in/yaml.v3"
)

// Config describes one application's deployment pipeline
type Config struct {
	App        string         `yaml:"app"`
	Env        string         `yaml:"env"`
	Region     string         `yaml:"region"`
	Account    string         `yaml:"account"`
	Build      Build          `yaml:"build"`
	Image      Image          `yaml:"image"`
	Cluster    Cluster        `yaml:"cluster"`
	Manifests  []string       `yaml:"manifests"`
	Files      []File         `yaml:"files"`
	Values     map[string]any `yaml:"values"`
	ValuesFrom string         `yaml:"valuesFrom"`
	Policy     Policy         `yaml:"policy"`
	Rollout    Rollout        `yaml:"rollout"`
	Push       Push           `yaml:"push"`
	State      State          `yaml:"state"`

	// dir is the directory the config was loaded from; relative paths resolve against it
	dir string
}

// Build configures the image builder
type Build struct {
	Tool       string            `yaml:"tool"`
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Platform   string            `yaml:"platform"`
	Target     string            `yaml:"target"`
	Args       map[string]string `yaml:"args"`
	Labels     map[string]string `yaml:"labels"`
	NoCache    bool              `yaml:"noCache"`
}

// Image configures where the image is pushed
type Image struct {
	// Registry host; defaults to the account's ECR registry
	Registry   string `yaml:"registry"`
	Repository string `yaml:"repository"`
	// Tag defaults to the deployment ID
	Tag      string `yaml:"tag"`
	Insecure bool   `yaml:"insecure"`
	// CredentialsSecret names a Secrets Manager secret holding {"username","password"}
	// for registries other than ECR
	CredentialsSecret string `yaml:"credentialsSecret"`
	// CreateRepository ensures the ECR repository exists before pushing
	CreateRepository bool `yaml:"createRepository"`
	// KeepImages sets an ECR lifecycle policy when CreateRepository is set
	KeepImages int `yaml:"keepImages"`
}

// Cluster identifies the Kubernetes cluster manifests are applied to
type Cluster struct {
	// Name of the EKS cluster. When set and Kubeconfig is empty the API endpoint
	// and credentials are obtained from EKS.
	Name       string `yaml:"name"`
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`
	Namespace  string `yaml:"namespace"`
}

// File is a non-Kubernetes template rendered alongside the manifests, such as
// a serverless framework config
type File struct {
	Template string `yaml:"template"`
	Output   string `yaml:"output"`
}

// Policy configures the manifest policy gate
type Policy struct {
	Disabled          bool     `yaml:"disabled"`
	AllowedRegistries []string `yaml:"allowedRegistries"`
}

// Rollout configures how long the applier waits on the cluster
type Rollout struct {
	Timeout             time.Duration `yaml:"timeout"`
	LoadBalancerTimeout time.Duration `yaml:"loadBalancerTimeout"`
	SkipWait            bool          `yaml:"skipWait"`
}

// Push configures retries of the registry push
type Push struct {
	MaxRetries      uint64        `yaml:"maxRetries"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxElapsedTime  time.Duration `yaml:"maxElapsedTime"`
}

// State configures where deployment locks, history and manifests are kept.
// Both are optional.
type State struct {
	// Table is the DynamoDB table prefix for locks and deployment history
	Table string `yaml:"table"`
	// Bucket is the S3 bucket rendered manifests are archived to
	Bucket string `yaml:"bucket"`
}

var (
	reAppName = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	reAccount = regexp.MustCompile(`^[0-9]{12}$`)
)

// IsDNSLabel reports whether s can name an app or namespace
func IsDNSLabel(s string) bool {
	return len(s) <= 63 && reAppName.MatchString(s)
}

// Load reads and parses the config file at path and applies defaults. Callers
// validate after applying command line overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.dir = dir

	return cfg, nil
}

// Parse decodes a config document and applies defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults fills in values the config omits
func (c *Config) SetDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Region == "" {
		c.Region = constants.DefaultRegion
	}
	if c.Build.Tool == "" {
		c.Build.Tool = constants.DefaultTool
	}
	if c.Build.Context == "" {
		c.Build.Context = constants.DefaultContext
	}
	if c.Build.Dockerfile == "" {
		c.Build.Dockerfile = constants.DefaultDockerfile
	}
	if c.Image.Repository == "" {
		c.Image.Repository = c.App
	}
	if c.Cluster.Namespace == "" {
		c.Cluster.Namespace = constants.DefaultNamespace
	}
	if c.Rollout.Timeout == 0 {
		c.Rollout.Timeout = constants.RolloutTimeout
	}
	if c.Rollout.LoadBalancerTimeout == 0 {
		c.Rollout.LoadBalancerTimeout = constants.LoadBalancerTimeout
	}
	if c.Push.MaxRetries == 0 {
		c.Push.MaxRetries = constants.PushMaxRetries
	}
	if c.Push.InitialInterval == 0 {
		c.Push.InitialInterval = constants.PushInitialInterval
	}
	if c.Push.MaxInterval == 0 {
		c.Push.MaxInterval = constants.PushMaxInterval
	}
	if c.Push.MaxElapsedTime == 0 {
		c.Push.MaxElapsedTime = constants.PushMaxElapsedTime
	}
}

// Validate reports the first problem found in the config
func (c *Config) Validate() error {
	if !IsDNSLabel(c.App) {
		return fmt.Errorf("%w: app %q must be a lowercase DNS label", errors.ErrInvalidConfig, c.App)
	}
	if c.Account != "" && !strings.HasPrefix(c.Account, services.SSMPrefix) && !reAccount.MatchString(c.Account) {
		return fmt.Errorf("%w: account %q must be a 12 digit AWS account ID", errors.ErrInvalidConfig, c.Account)
	}
	if !IsDNSLabel(c.Cluster.Namespace) {
		return fmt.Errorf("%w: namespace %q must be a lowercase DNS label", errors.ErrInvalidConfig, c.Cluster.Namespace)
	}
	if c.Cluster.Name == "" && c.Cluster.Kubeconfig == "" && c.Cluster.Context == "" {
		return fmt.Errorf("%w: cluster.name, cluster.kubeconfig or cluster.context is required", errors.ErrInvalidConfig)
	}
	if len(c.Manifests) == 0 {
		return fmt.Errorf("%w: at least one manifest is required", errors.ErrInvalidConfig)
	}
	for i, f := range c.Files {
		if f.Template == "" || f.Output == "" {
			return fmt.Errorf("%w: files[%d] needs both template and output", errors.ErrInvalidConfig, i)
		}
	}
	if c.Image.KeepImages < 0 {
		return fmt.Errorf("%w: image.keepImages must not be negative", errors.ErrInvalidConfig)
	}
	if c.Rollout.Timeout < 0 || c.Rollout.LoadBalancerTimeout < 0 {
		return fmt.Errorf("%w: rollout timeouts must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// Resolve replaces ssm: values with their parameter store values and merges
// parameters under ValuesFrom into Values. Values set in the file win.
func (c *Config) Resolve(ctx context.Context, store services.ParameterStore) error {
	fields := []*string{
		&c.Account,
		&c.Image.Registry,
		&c.Image.CredentialsSecret,
		&c.Cluster.Name,
		&c.State.Table,
		&c.State.Bucket,
	}
	for _, field := range fields {
		value, err := services.Resolve(ctx, store, *field)
		if err != nil {
			return err
		}
		*field = value
	}

	for k, v := range c.Build.Args {
		value, err := services.Resolve(ctx, store, v)
		if err != nil {
			return fmt.Errorf("build arg %s: %w", k, err)
		}
		c.Build.Args[k] = value
	}

	if c.ValuesFrom == "" {
		return nil
	}

	params, err := store.GetParametersByPath(ctx, c.ValuesFrom)
	if err != nil {
		return err
	}
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	for k, v := range params {
		if _, ok := c.Values[k]; !ok {
			c.Values[k] = v
		}
	}
	return nil
}

// Path resolves p against the directory the config was loaded from
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}
