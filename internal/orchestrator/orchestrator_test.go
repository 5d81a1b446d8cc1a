package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/builder"
	"github.com/savaki/eks-deployer/internal/cluster"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
	"github.com/savaki/eks-deployer/internal/dao/lockdao"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/policy"
	"github.com/savaki/eks-deployer/internal/registry"
	"github.com/savaki/eks-deployer/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	repository = "123456789012.dkr.ecr.us-east-1.amazonaws.com/hello"
	digest     = "sha256:0f3c9b1f5e2d4a6b8c7d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d"
)

const deploymentTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .App }}
spec:
  replicas: 1
  selector:
    matchLabels:
      app: {{ .App }}
  template:
    metadata:
      labels:
        app: {{ .App }}
    spec:
      containers:
        - name: {{ .App }}
          image: {{ .Image }}
          ports:
            - containerPort: 8080
`

const serviceTemplate = `apiVersion: v1
kind: Service
metadata:
  name: {{ .App }}
spec:
  type: LoadBalancer
  selector:
    app: {{ .App }}
  ports:
    - port: 80
      targetPort: 8080
`

const serverlessTemplate = `service: {{ .App }}
provider:
  name: aws
  region: {{ .Region }}
  repository: {{ .Repository }}
functions:
  hello:
    image: {{ .Image }}
`

// events records the order stages were reached across all fakes
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type fakeBuilder struct {
	events *events
	err    error
	req    builder.Request
}

func (f *fakeBuilder) Build(_ context.Context, req builder.Request) (*builder.Result, error) {
	f.events.add("build %s", req.Tag)
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &builder.Result{Tag: req.Tag, ImageID: "sha256:image", Tarball: req.OutputTarball}, nil
}

type fakePublisher struct {
	events *events
	err    error
}

func (f *fakePublisher) Push(_ context.Context, req registry.PushRequest) (*registry.PushResult, error) {
	f.events.add("push %s", req.Target)
	if f.err != nil {
		return nil, f.err
	}
	return &registry.PushResult{
		Reference:       req.Target,
		Digest:          digest,
		DigestReference: repository + "@" + digest,
		Attempts:        2,
	}, nil
}

type fakeApplier struct {
	events     *events
	applied    []render.Document
	rolloutErr error
	endpoint   string
}

func (f *fakeApplier) Apply(_ context.Context, docs []render.Document) ([]cluster.Applied, error) {
	f.events.add("apply %d", len(docs))
	f.applied = docs
	var applied []cluster.Applied
	for _, doc := range docs {
		applied = append(applied, cluster.Applied{
			Kind:      doc.Object.GetKind(),
			Namespace: doc.Object.GetNamespace(),
			Name:      doc.Object.GetName(),
			Action:    cluster.ActionCreated,
		})
	}
	return applied, nil
}

func (f *fakeApplier) WaitForRollout(_ context.Context, namespace, name string, timeout time.Duration) error {
	f.events.add("rollout %s/%s %v", namespace, name, timeout)
	return f.rolloutErr
}

func (f *fakeApplier) WaitForLoadBalancer(_ context.Context, namespace, name string, _ time.Duration) (string, error) {
	f.events.add("loadbalancer %s/%s", namespace, name)
	return f.endpoint, nil
}

type fakeLocks struct {
	events  *events
	holder  *lockdao.Record
	release []lockdao.ReleaseInput
}

func (f *fakeLocks) Acquire(_ context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error) {
	f.events.add("lock %s/%s/%s", input.Cluster, input.Namespace, input.App)
	if f.holder != nil && f.holder.DeploymentID != input.DeploymentID {
		return f.holder, false, nil
	}
	return &lockdao.Record{DeploymentID: input.DeploymentID}, true, nil
}

func (f *fakeLocks) Release(_ context.Context, input lockdao.ReleaseInput) error {
	f.events.add("unlock")
	f.release = append(f.release, input)
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[deploymentdao.ID]deploymentdao.Record
	updates []deploymentdao.UpdateInput
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: map[deploymentdao.ID]deploymentdao.Record{}}
}

func (f *fakeHistory) Create(_ context.Context, input deploymentdao.CreateInput) (deploymentdao.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := deploymentdao.Record{
		PK:        deploymentdao.NewPK(input.Cluster, input.App),
		SK:        input.DeploymentID,
		Namespace: input.Namespace,
		Status:    deploymentdao.StatusPending,
	}
	f.records[record.GetID()] = record
	return record, nil
}

func (f *fakeHistory) Find(_ context.Context, id deploymentdao.ID) (deploymentdao.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return deploymentdao.Record{}, fmt.Errorf("%w: %s", errors.ErrDeploymentNotFound, id)
	}
	return record, nil
}

func (f *fakeHistory) UpdateStatus(_ context.Context, input deploymentdao.UpdateInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, input)
	record := f.records[input.ID]
	record.Status = input.Status
	if input.Stage != "" {
		record.Stage = input.Stage
	}
	if input.ErrorMsg != "" {
		record.ErrorMsg = input.ErrorMsg
	}
	if input.Image != "" {
		record.Image = input.Image
	}
	if input.ManifestURI != "" {
		record.ManifestURI = input.ManifestURI
	}
	if input.Endpoint != "" {
		record.Endpoint = input.Endpoint
	}
	f.records[input.ID] = record
	return nil
}

func (f *fakeHistory) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stages []string
	for _, u := range f.updates {
		stages = append(stages, fmt.Sprintf("%s:%s", u.Status, u.Stage))
	}
	return stages
}

type fakeArchive struct {
	objects map[string][]byte
}

func (f *fakeArchive) PutManifests(_ context.Context, app, deploymentID string, data []byte) (string, error) {
	uri := fmt.Sprintf("s3://artifacts/%s/%s/manifests.yaml", app, deploymentID)
	f.objects[uri] = data
	return uri, nil
}

func (f *fakeArchive) GetManifests(_ context.Context, uri string) ([]byte, error) {
	data, ok := f.objects[uri]
	if !ok {
		return nil, fmt.Errorf("no such object %s", uri)
	}
	return data, nil
}

type fixture struct {
	events    *events
	builder   *fakeBuilder
	publisher *fakePublisher
	applier   *fakeApplier
	locks     *fakeLocks
	history   *fakeHistory
	archive   *fakeArchive
	orch      *Orchestrator
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	validator, err := policy.NewValidator()
	require.NoError(t, err)

	ev := &events{}
	f := &fixture{
		events:    ev,
		builder:   &fakeBuilder{events: ev},
		publisher: &fakePublisher{events: ev},
		applier:   &fakeApplier{events: ev, endpoint: "a1b2c3.elb.us-east-1.amazonaws.com"},
		locks:     &fakeLocks{events: ev},
		history:   newFakeHistory(),
		archive:   &fakeArchive{objects: map[string][]byte{}},
		dir:       t.TempDir(),
	}
	f.orch = New(Components{
		Builder:   f.builder,
		Publisher: f.publisher,
		Renderer:  render.New(),
		Validator: validator,
		Applier:   f.applier,
	}, zerolog.Nop(),
		WithLocks(f.locks),
		WithHistory(f.history),
		WithArchive(f.archive),
	)
	return f
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) request(t *testing.T) Request {
	t.Helper()
	return Request{
		App:       "hello",
		Env:       "dev",
		Region:    "us-east-1",
		Account:   "123456789012",
		Cluster:   "demo",
		Namespace: "apps",
		Holder:    "alice@laptop",
		Build: builder.Request{
			Context:    f.dir,
			Dockerfile: "Dockerfile",
		},
		Repository: repository,
		Manifests: []string{
			f.write(t, "deployment.yaml", deploymentTemplate),
			f.write(t, "service.yaml", serviceTemplate),
		},
		Files: []File{
			{
				Template: f.write(t, "serverless.yml.tmpl", serverlessTemplate),
				Output:   filepath.Join(f.dir, "serverless.yml"),
			},
		},
		WorkDir: filepath.Join(f.dir, "work"),
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.DeploymentID = "2HFj3kLmNoPqRsTuVwXy0123456"

	result, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)

	target := repository + ":" + req.DeploymentID
	assert.Equal(t, []string{
		"lock demo/apps/hello",
		"build " + target,
		"push " + target,
		"apply 2",
		fmt.Sprintf("rollout apps/hello %v", constants.RolloutTimeout),
		"loadbalancer apps/hello",
		"unlock",
	}, f.events.all())

	assert.Equal(t, filepath.Join(f.dir, "work", req.DeploymentID+".tar"), f.builder.req.OutputTarball)
	assert.Equal(t, repository+"@"+digest, result.Image)
	assert.Equal(t, target, result.Reference)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, "a1b2c3.elb.us-east-1.amazonaws.com", result.Endpoint)
	assert.Equal(t, "s3://artifacts/hello/"+req.DeploymentID+"/manifests.yaml", result.ManifestURI)
	assert.Len(t, result.Applied, 2)

	// the digest reference, not the tag, reaches the cluster
	deployment := f.applier.applied[0].Object
	containers, found, err := unstructured.NestedSlice(deployment.Object, "spec", "template", "spec", "containers")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, containers, 1)
	assert.Equal(t, repository+"@"+digest, containers[0].(map[string]any)["image"])
	assert.Equal(t, "apps", deployment.GetNamespace())
	assert.Equal(t, req.DeploymentID, deployment.GetAnnotations()[constants.AnnotationDeploymentID])

	archived := string(f.archive.objects[result.ManifestURI])
	assert.Contains(t, archived, repository+"@"+digest)
	assert.Equal(t, string(result.Manifests), archived)

	serverless, err := os.ReadFile(filepath.Join(f.dir, "serverless.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(serverless), "image: "+repository+"@"+digest)

	assert.Equal(t, []string{
		"IN_PROGRESS:build",
		"IN_PROGRESS:push",
		"IN_PROGRESS:render",
		"IN_PROGRESS:archive",
		"IN_PROGRESS:apply",
		"IN_PROGRESS:rollout",
		"IN_PROGRESS:endpoint",
		"SUCCESS:",
	}, f.history.stages())

	record, err := f.history.Find(context.Background(), deploymentdao.NewID("demo", "hello", req.DeploymentID))
	require.NoError(t, err)
	assert.Equal(t, deploymentdao.StatusSuccess, record.Status)
	assert.Equal(t, result.Endpoint, record.Endpoint)
	assert.Equal(t, result.Image, record.Image)

	require.Len(t, f.locks.release, 1)
	assert.Equal(t, lockdao.NewID("demo", "apps", "hello"), f.locks.release[0].ID)
}

func TestRunGeneratesDeploymentID(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.ImageTag = "v1.2.3"
	req.SkipWait = true

	result, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, result.DeploymentID, 27)
	assert.Equal(t, repository+":v1.2.3", result.Reference)
	assert.Empty(t, result.Endpoint)

	for _, e := range f.events.all() {
		assert.False(t, strings.HasPrefix(e, "rollout"), e)
		assert.False(t, strings.HasPrefix(e, "loadbalancer"), e)
	}
}

func TestRunStageFailures(t *testing.T) {
	tests := map[string]struct {
		mutate    func(t *testing.T, f *fixture, req *Request)
		stage     Stage
		wantErr   error
		wantCalls []string
	}{
		"build": {
			mutate: func(_ *testing.T, f *fixture, _ *Request) {
				f.builder.err = fmt.Errorf("%w: docker build: exit status 1", errors.ErrBuildFailed)
			},
			stage:     StageBuild,
			wantErr:   errors.ErrBuildFailed,
			wantCalls: []string{"lock", "build", "unlock"},
		},
		"push": {
			mutate: func(_ *testing.T, f *fixture, _ *Request) {
				f.publisher.err = fmt.Errorf("%w: after 6 attempt(s)", errors.ErrPushFailed)
			},
			stage:     StagePush,
			wantErr:   errors.ErrPushFailed,
			wantCalls: []string{"lock", "build", "push", "unlock"},
		},
		"render": {
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Manifests = []string{f.write(t, "broken.yaml", "kind: Service\nmetadata:\n  name: {{ .Nope }}\n")}
			},
			stage:     StageRender,
			wantCalls: []string{"lock", "build", "push", "unlock"},
		},
		"policy": {
			mutate: func(_ *testing.T, _ *fixture, req *Request) {
				req.AllowedRegistries = []string{"ghcr.io/acme"}
			},
			stage:     StagePolicy,
			wantErr:   errors.ErrPolicyViolation,
			wantCalls: []string{"lock", "build", "push", "unlock"},
		},
		"rollout": {
			mutate: func(_ *testing.T, f *fixture, _ *Request) {
				f.applier.rolloutErr = fmt.Errorf("%w: deployment apps/hello", errors.ErrRolloutTimeout)
			},
			stage:     StageRollout,
			wantErr:   errors.ErrRolloutTimeout,
			wantCalls: []string{"lock", "build", "push", "apply", "rollout", "unlock"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request(t)
			tc.mutate(t, f, &req)

			_, err := f.orch.Run(context.Background(), req)
			require.Error(t, err)

			var stageErr *StageError
			require.True(t, stderrors.As(err, &stageErr), "want *StageError, got %T", err)
			assert.Equal(t, tc.stage, stageErr.Stage)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}

			var calls []string
			for _, e := range f.events.all() {
				calls = append(calls, strings.Fields(e)[0])
			}
			assert.Equal(t, tc.wantCalls, calls)

			stages := f.history.stages()
			require.NotEmpty(t, stages)
			assert.Equal(t, "FAILED:"+string(tc.stage), stages[len(stages)-1])
		})
	}
}

func TestRunLockHeld(t *testing.T) {
	f := newFixture(t)
	f.locks.holder = &lockdao.Record{
		DeploymentID: "2HFj0000000000000000000000a",
		Holder:       "bob@ci",
		AcquiredAt:   time.Now().Unix(),
	}

	_, err := f.orch.Run(context.Background(), f.request(t))
	assert.ErrorIs(t, err, errors.ErrLockHeld)
	assert.ErrorContains(t, err, "bob@ci")

	var stageErr *StageError
	require.True(t, stderrors.As(err, &stageErr))
	assert.Equal(t, StageLock, stageErr.Stage)

	assert.Equal(t, []string{"lock demo/apps/hello"}, f.events.all())
	assert.Empty(t, f.history.records, "no record is created without the lock")
}

func TestRunValidatesRequest(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.Repository = ""

	_, err := f.orch.Run(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Empty(t, f.events.all())
}

func TestRunWithoutState(t *testing.T) {
	f := newFixture(t)
	validator, err := policy.NewValidator()
	require.NoError(t, err)

	orch := New(Components{
		Builder:   f.builder,
		Publisher: f.publisher,
		Renderer:  render.New(),
		Validator: validator,
		Applier:   f.applier,
	}, zerolog.Nop())

	req := f.request(t)
	result, err := orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, result.ManifestURI)
	assert.NotContains(t, f.events.all(), "unlock")
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.ImageTag = "v1"

	result, err := f.orch.DryRun(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, f.events.all(), "dry run must not build, push or apply")
	assert.Equal(t, repository+":v1", result.Image)
	assert.Len(t, result.Documents, 2)
	assert.Contains(t, string(result.Manifests), "image: "+repository+":v1")
	require.Len(t, result.Files, 1)
	assert.Contains(t, result.Files[0].Content, "service: hello")
	assert.Contains(t, result.Files[0].Content, "repository: hello\n")

	_, err = os.Stat(filepath.Join(f.dir, "serverless.yml"))
	assert.True(t, os.IsNotExist(err), "dry run must not write files")
}

func TestDryRunPolicyViolation(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.ImageTag = "latest"

	_, err := f.orch.DryRun(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrPolicyViolation)

	req.SkipPolicy = true
	_, err = f.orch.DryRun(context.Background(), req)
	assert.NoError(t, err)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.DeploymentID = "2HFj3kLmNoPqRsTuVwXy0123456"

	first, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)

	f.applier.applied = nil
	result, err := f.orch.Rollback(context.Background(), RollbackRequest{
		App:       "hello",
		Env:       "dev",
		Cluster:   "demo",
		Namespace: "apps",
		Holder:    "alice@laptop",
		Target:    req.DeploymentID,
		SkipWait:  true,
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.DeploymentID, result.DeploymentID)
	assert.Equal(t, first.Image, result.Image)
	assert.Equal(t, first.ManifestURI, result.ManifestURI)
	require.Len(t, f.applier.applied, 2)
	assert.Equal(t, "Deployment", f.applier.applied[0].Object.GetKind())

	record, err := f.history.Find(context.Background(), deploymentdao.NewID("demo", "hello", result.DeploymentID))
	require.NoError(t, err)
	assert.Equal(t, deploymentdao.StatusSuccess, record.Status)
}

func TestRollbackRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Rollback(ctx, RollbackRequest{App: "hello", Cluster: "demo", Namespace: "apps", Target: "missing"})
	assert.ErrorIs(t, err, errors.ErrDeploymentNotFound)

	failed := deploymentdao.Record{PK: deploymentdao.NewPK("demo", "hello"), SK: "failed", Status: deploymentdao.StatusFailed}
	f.history.records[failed.GetID()] = failed
	_, err = f.orch.Rollback(ctx, RollbackRequest{App: "hello", Cluster: "demo", Namespace: "apps", Target: "failed"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	orch := New(Components{Applier: f.applier}, zerolog.Nop())
	_, err = orch.Rollback(ctx, RollbackRequest{App: "hello", Cluster: "demo", Namespace: "apps", Target: "x"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestRepositoryName(t *testing.T) {
	assert.Equal(t, "hello", repositoryName(repository))
	assert.Equal(t, "team/hello-api", repositoryName("123456789012.dkr.ecr.us-east-1.amazonaws.com/team/hello-api"))
	assert.Equal(t, "acme/hello", repositoryName("ghcr.io/acme/hello"))
	assert.Equal(t, "hello", repositoryName("hello"))
}

func TestStageError(t *testing.T) {
	err := fmt.Errorf("deploy: %w", &StageError{Stage: StagePush, Err: errors.ErrPushFailed})
	assert.ErrorIs(t, err, errors.ErrPushFailed)
	assert.EqualError(t, err, "deploy: push stage failed: image push failed")
}
