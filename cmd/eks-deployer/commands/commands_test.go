package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/config"
	"github.com/savaki/eks-deployer/internal/dao/lockdao"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runApp(t *testing.T, command *cli.Command, args ...string) error {
	t.Helper()
	app := &cli.App{
		Name:     "eks-deployer",
		Commands: []*cli.Command{command},
	}
	return app.Run(append([]string{"eks-deployer"}, args...))
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "deployer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644))
	return path
}

func TestInitCommand(t *testing.T) {
	logger := zerolog.Nop()
	dir := t.TempDir()

	err := runApp(t, InitCommand(&logger), "init", "--dir", dir, "--app", "hello", "--cluster", "demo", "--account", "123456789012")
	require.NoError(t, err)

	cfg, err := config.Load(filepath.Join(dir, "deployer.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "hello", cfg.App)
	assert.Equal(t, "demo", cfg.Cluster.Name)

	t.Run("refuses to overwrite", func(t *testing.T) {
		err := runApp(t, InitCommand(&logger), "init", "--dir", dir, "--app", "hello", "--cluster", "demo")
		assert.ErrorIs(t, err, errors.ErrFileExists)
	})

	t.Run("force", func(t *testing.T) {
		err := runApp(t, InitCommand(&logger), "init", "--dir", dir, "--app", "hello", "--cluster", "demo", "--force")
		assert.NoError(t, err)
	})
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := config.Parse([]byte("app: hello\ncluster:\n  name: demo\nmanifests: [k8s/deployment.yaml]\n"))
	require.NoError(t, err)

	command := &cli.Command{
		Name:  "overrides",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			applyOverrides(c, cfg)
			return nil
		},
	}
	err = runApp(t, command, "overrides",
		"--env", "prd",
		"--region", "eu-west-1",
		"--cluster", "prod-cluster",
		"--namespace", "apps",
		"--kubeconfig", "/tmp/kubeconfig",
		"--tag", "v1.2.3",
	)
	require.NoError(t, err)

	assert.Equal(t, "prd", cfg.Env)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "prod-cluster", cfg.Cluster.Name)
	assert.Equal(t, "apps", cfg.Cluster.Namespace)
	assert.Equal(t, "/tmp/kubeconfig", cfg.Cluster.Kubeconfig)
	assert.Equal(t, "v1.2.3", cfg.Image.Tag)
}

func TestApplyOverridesKeepsFileValues(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("ENV", "")
	t.Setenv("EKS_CLUSTER", "")

	cfg, err := config.Parse([]byte("app: hello\nenv: stg\nregion: ap-south-1\ncluster:\n  name: demo\nmanifests: [k8s/deployment.yaml]\n"))
	require.NoError(t, err)

	command := &cli.Command{
		Name:  "overrides",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			applyOverrides(c, cfg)
			return nil
		},
	}
	require.NoError(t, runApp(t, command, "overrides"))

	assert.Equal(t, "stg", cfg.Env)
	assert.Equal(t, "ap-south-1", cfg.Region)
	assert.Equal(t, "demo", cfg.Cluster.Name)
}

func TestClusterID(t *testing.T) {
	tests := map[string]struct {
		cluster config.Cluster
		want    string
	}{
		"name":    {cluster: config.Cluster{Name: "demo", Context: "ctx"}, want: "demo"},
		"context": {cluster: config.Cluster{Context: "kind-dev"}, want: "kind-dev"},
		"neither": {cluster: config.Cluster{Kubeconfig: "/tmp/kubeconfig"}, want: "default"},
		"eks arn context": {
			cluster: config.Cluster{Context: "arn:aws:eks:us-east-1:123456789012:cluster/demo"},
			want:    "demo",
		},
		"china partition arn": {
			cluster: config.Cluster{Context: "arn:aws-cn:eks:cn-north-1:123456789012:cluster/demo"},
			want:    "demo",
		},
		"other arn": {
			cluster: config.Cluster{Context: "arn:aws:iam::123456789012:role/demo"},
			want:    "arn:aws:iam::123456789012:role/demo",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, clusterID(&config.Config{Cluster: tt.cluster}))
		})
	}
}

func TestSessionRequestWithARNContext(t *testing.T) {
	cfg := &config.Config{
		App:     "hello",
		Cluster: config.Cluster{Context: "arn:aws:eks:us-east-1:123456789012:cluster/demo", Namespace: "default"},
	}
	s := &session{cfg: cfg, logger: zerolog.Nop()}

	req := s.request("123456789012.dkr.ecr.us-east-1.amazonaws.com/hello")
	assert.Equal(t, "demo", req.Cluster)
	assert.Equal(t, "demo/default:LOCK#hello", lockdao.NewID(req.Cluster, req.Namespace, req.App).String())
}

func TestHolder(t *testing.T) {
	assert.NotEmpty(t, holder())
}

func TestSessionRequest(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app: hello
region: us-west-2
account: "123456789012"
build:
  context: app
  platform: linux/amd64
  args:
    VERSION: "1.0"
image:
  tag: v1
cluster:
  name: demo
  namespace: apps
manifests:
  - k8s/deployment.yaml
files:
  - template: serverless.yml.tmpl
    output: serverless.yml
values:
  replicas: 2
policy:
  allowedRegistries:
    - 123456789012.dkr.ecr.us-west-2.amazonaws.com
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	s := &session{cfg: cfg, logger: zerolog.Nop()}
	repository, err := s.repository(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "123456789012.dkr.ecr.us-west-2.amazonaws.com/hello", repository)

	req := s.request(repository)
	assert.Equal(t, "hello", req.App)
	assert.Equal(t, "demo", req.Cluster)
	assert.Equal(t, "apps", req.Namespace)
	assert.Equal(t, "v1", req.ImageTag)
	assert.Equal(t, []string{filepath.Join(dir, "k8s", "deployment.yaml")}, req.Manifests)
	require.Len(t, req.Files, 1)
	assert.Equal(t, filepath.Join(dir, "serverless.yml.tmpl"), req.Files[0].Template)
	assert.Equal(t, filepath.Join(dir, "serverless.yml"), req.Files[0].Output)
	assert.Equal(t, filepath.Join(dir, "app"), req.Build.Context)
	assert.Equal(t, "Dockerfile", req.Build.Dockerfile)
	assert.Equal(t, "linux/amd64", req.Build.Platform)
	assert.Equal(t, map[string]string{"VERSION": "1.0"}, req.Build.BuildArgs)
	assert.Equal(t, 2, req.Values["replicas"])
	assert.Equal(t, []string{"123456789012.dkr.ecr.us-west-2.amazonaws.com"}, req.AllowedRegistries)
	assert.NotEmpty(t, req.Holder)
}

func TestSessionRepositoryWithRegistry(t *testing.T) {
	cfg := &config.Config{
		App:   "hello",
		Image: config.Image{Registry: "ghcr.io/acme/", Repository: "hello"},
	}
	s := &session{cfg: cfg, logger: zerolog.Nop()}

	repository, err := s.repository(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/hello", repository)

	// createRepository only applies to ECR
	cfg.Image.CreateRepository = true
	assert.NoError(t, s.ensureRepository(t.Context(), repository))
}
