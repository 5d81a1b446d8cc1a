package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"
)

const tutorialManifests = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: hello
spec:
  replicas: 1
  selector:
    matchLabels:
      app: hello
  template:
    metadata:
      labels:
        app: hello
    spec:
      containers:
        - name: hello
          image: 123456789012.dkr.ecr.us-east-1.amazonaws.com/hello:v1
          ports:
            - containerPort: 8080
---
apiVersion: v1
kind: Service
metadata:
  name: hello
spec:
  type: LoadBalancer
  selector:
    app: hello
  ports:
    - port: 80
      targetPort: 8080
---
apiVersion: v1
kind: Namespace
metadata:
  name: apps
`

func renderDocs(t *testing.T, text string) []render.Document {
	t.Helper()
	docs, err := render.New().Render("manifests.yaml", text, render.Values{App: "hello", Namespace: "apps", DeploymentID: "2HFj3kLm"})
	require.NoError(t, err)
	return docs
}

func TestApplyCreatesInOrder(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	applier := NewApplier(clientset, zerolog.Nop())

	applied, err := applier.Apply(context.Background(), renderDocs(t, tutorialManifests))
	require.NoError(t, err)
	require.Len(t, applied, 3)

	assert.Equal(t, Applied{Kind: "Namespace", Name: "apps", Action: ActionCreated}, applied[0])
	assert.Equal(t, Applied{Kind: "Service", Namespace: "apps", Name: "hello", Action: ActionCreated}, applied[1])
	assert.Equal(t, Applied{Kind: "Deployment", Namespace: "apps", Name: "hello", Action: ActionCreated}, applied[2])

	deployment, err := clientset.AppsV1().Deployments("apps").Get(context.Background(), "hello", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *deployment.Spec.Replicas)
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/hello:v1", deployment.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "2HFj3kLm", deployment.Annotations["eks-deployer.io/deployment-id"])

	svc, err := clientset.CoreV1().Services("apps").Get(context.Background(), "hello", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeLoadBalancer, svc.Spec.Type)
	assert.Equal(t, int32(8080), svc.Spec.Ports[0].TargetPort.IntVal)
}

func TestApplyUpdatesExisting(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "hello", Namespace: "apps", ResourceVersion: "7"},
			Spec: corev1.ServiceSpec{
				Type:                corev1.ServiceTypeLoadBalancer,
				ClusterIP:           "10.100.12.34",
				ClusterIPs:          []string{"10.100.12.34"},
				HealthCheckNodePort: 31000,
				Ports: []corev1.ServicePort{
					{Port: 80, Protocol: corev1.ProtocolTCP, NodePort: 30080},
				},
			},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "hello", Namespace: "apps"},
			Spec: appsv1.DeploymentSpec{
				Replicas: ptr.To[int32](4),
			},
		},
	)
	applier := NewApplier(clientset, zerolog.Nop())

	manifests := `
apiVersion: v1
kind: Service
metadata:
  name: hello
spec:
  type: LoadBalancer
  ports:
    - port: 80
      targetPort: 8080
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: hello
spec:
  selector:
    matchLabels:
      app: hello
  template:
    metadata:
      labels:
        app: hello
    spec:
      containers:
        - name: hello
          image: 123456789012.dkr.ecr.us-east-1.amazonaws.com/hello:v2
`
	applied, err := applier.Apply(context.Background(), renderDocs(t, manifests))
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, ActionUpdated, applied[0].Action)
	assert.Equal(t, ActionUpdated, applied[1].Action)

	svc, err := clientset.CoreV1().Services("apps").Get(context.Background(), "hello", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "10.100.12.34", svc.Spec.ClusterIP)
	assert.Equal(t, []string{"10.100.12.34"}, svc.Spec.ClusterIPs)
	assert.Equal(t, int32(31000), svc.Spec.HealthCheckNodePort)
	assert.Equal(t, int32(30080), svc.Spec.Ports[0].NodePort)
	assert.Equal(t, "eks-deployer", svc.Labels["app.kubernetes.io/managed-by"])

	deployment, err := clientset.AppsV1().Deployments("apps").Get(context.Background(), "hello", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(4), *deployment.Spec.Replicas)
	assert.Equal(t, "123456789012.dkr.ecr.us-east-1.amazonaws.com/hello:v2", deployment.Spec.Template.Spec.Containers[0].Image)
}

func TestApplyRejectsUnsupportedKinds(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	applier := NewApplier(clientset, zerolog.Nop())

	manifests := tutorialManifests + `
---
apiVersion: batch/v1
kind: CronJob
metadata:
  name: report
spec:
  schedule: "0 * * * *"
`
	_, err := applier.Apply(context.Background(), renderDocs(t, manifests))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedKind)

	namespaces, err := clientset.CoreV1().Namespaces().List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, namespaces.Items)
}

func TestApplyConfigAndSecrets(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	applier := NewApplier(clientset, zerolog.Nop())

	manifests := `
apiVersion: v1
kind: ServiceAccount
metadata:
  name: hello
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
data:
  LOG_LEVEL: info
---
apiVersion: v1
kind: Secret
metadata:
  name: credentials
stringData:
  token: abc
---
apiVersion: autoscaling/v2
kind: HorizontalPodAutoscaler
metadata:
  name: hello
spec:
  scaleTargetRef:
    apiVersion: apps/v1
    kind: Deployment
    name: hello
  minReplicas: 1
  maxReplicas: 3
---
apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: hello
spec:
  rules:
    - http:
        paths:
          - path: /
            pathType: Prefix
            backend:
              service:
                name: hello
                port:
                  number: 80
`
	applied, err := applier.Apply(context.Background(), renderDocs(t, manifests))
	require.NoError(t, err)
	require.Len(t, applied, 5)
	assert.Equal(t, "ServiceAccount", applied[0].Kind)

	cm, err := clientset.CoreV1().ConfigMaps("apps").Get(context.Background(), "settings", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "info", cm.Data["LOG_LEVEL"])

	_, err = clientset.AutoscalingV2().HorizontalPodAutoscalers("apps").Get(context.Background(), "hello", metav1.GetOptions{})
	require.NoError(t, err)
	_, err = clientset.NetworkingV1().Ingresses("apps").Get(context.Background(), "hello", metav1.GetOptions{})
	require.NoError(t, err)
}

func TestRolloutStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   appsv1.DeploymentStatus
		gen      int64
		wantDone bool
		wantErr  error
	}{
		{
			name:   "generation not observed",
			gen:    2,
			status: appsv1.DeploymentStatus{ObservedGeneration: 1},
		},
		{
			name:   "replicas not updated",
			gen:    1,
			status: appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 2, UpdatedReplicas: 1},
		},
		{
			name:   "old replicas terminating",
			gen:    1,
			status: appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 3, UpdatedReplicas: 2, AvailableReplicas: 2},
		},
		{
			name:   "not yet available",
			gen:    1,
			status: appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 2, UpdatedReplicas: 2, AvailableReplicas: 1},
		},
		{
			name:     "complete",
			gen:      1,
			status:   appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 2, UpdatedReplicas: 2, AvailableReplicas: 2},
			wantDone: true,
		},
		{
			name: "progress deadline exceeded",
			gen:  1,
			status: appsv1.DeploymentStatus{
				ObservedGeneration: 1,
				Conditions: []appsv1.DeploymentCondition{
					{Type: appsv1.DeploymentProgressing, Status: corev1.ConditionFalse, Reason: "ProgressDeadlineExceeded"},
				},
			},
			wantErr: errors.ErrRolloutFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "hello", Generation: tt.gen},
				Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](2)},
				Status:     tt.status,
			}
			done, message, err := RolloutStatus(d)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDone, done)
			assert.NotEmpty(t, message)
		})
	}
}

func TestWaitForRollout(t *testing.T) {
	ready := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "hello", Namespace: "apps", Generation: 1},
		Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](1)},
		Status:     appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 1, UpdatedReplicas: 1, AvailableReplicas: 1},
	}
	stuck := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "stuck", Namespace: "apps", Generation: 1},
		Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](1)},
		Status:     appsv1.DeploymentStatus{ObservedGeneration: 1, Replicas: 1},
	}
	failed := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "failed", Namespace: "apps", Generation: 1},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 1,
			Conditions: []appsv1.DeploymentCondition{
				{Type: appsv1.DeploymentProgressing, Reason: "ProgressDeadlineExceeded", Message: "ReplicaSet has timed out progressing"},
			},
		},
	}

	applier := NewApplier(fake.NewSimpleClientset(ready, stuck, failed), zerolog.Nop(), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	assert.NoError(t, applier.WaitForRollout(ctx, "apps", "hello", time.Second))
	assert.ErrorIs(t, applier.WaitForRollout(ctx, "apps", "stuck", 50*time.Millisecond), errors.ErrRolloutTimeout)
	assert.ErrorIs(t, applier.WaitForRollout(ctx, "apps", "failed", time.Second), errors.ErrRolloutFailed)
	assert.ErrorIs(t, applier.WaitForRollout(ctx, "apps", "missing", time.Second), errors.ErrRolloutFailed)
}

func TestWaitForLoadBalancer(t *testing.T) {
	hostname := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "hello", Namespace: "apps"},
		Spec:       corev1.ServiceSpec{Type: corev1.ServiceTypeLoadBalancer},
		Status: corev1.ServiceStatus{
			LoadBalancer: corev1.LoadBalancerStatus{
				Ingress: []corev1.LoadBalancerIngress{{Hostname: "a1b2c3.us-east-1.elb.amazonaws.com"}},
			},
		},
	}
	pending := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "pending", Namespace: "apps"},
		Spec:       corev1.ServiceSpec{Type: corev1.ServiceTypeLoadBalancer},
	}
	internal := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "internal", Namespace: "apps"},
		Spec:       corev1.ServiceSpec{Type: corev1.ServiceTypeClusterIP},
	}

	applier := NewApplier(fake.NewSimpleClientset(hostname, pending, internal), zerolog.Nop(), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	endpoint, err := applier.WaitForLoadBalancer(ctx, "apps", "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3.us-east-1.elb.amazonaws.com", endpoint)

	_, err = applier.WaitForLoadBalancer(ctx, "apps", "pending", 50*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrRolloutTimeout)

	_, err = applier.WaitForLoadBalancer(ctx, "apps", "internal", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not LoadBalancer")
}

func TestWaitStopsOnAuthErrors(t *testing.T) {
	tests := map[string]error{
		"unauthorized": apierrors.NewUnauthorized("token expired"),
		"forbidden":    apierrors.NewForbidden(schema.GroupResource{Resource: "deployments"}, "hello", fmt.Errorf("access denied")),
	}
	for name, apiErr := range tests {
		t.Run(name, func(t *testing.T) {
			clientset := fake.NewSimpleClientset()
			clientset.PrependReactor("get", "*", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apiErr
			})
			applier := NewApplier(clientset, zerolog.Nop(), WithPollInterval(10*time.Millisecond))
			ctx := context.Background()

			err := applier.WaitForRollout(ctx, "apps", "hello", time.Minute)
			require.Error(t, err)
			assert.NotErrorIs(t, err, errors.ErrRolloutTimeout)
			assert.True(t, apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err))

			_, err = applier.WaitForLoadBalancer(ctx, "apps", "hello", time.Minute)
			require.Error(t, err)
			assert.NotErrorIs(t, err, errors.ErrRolloutTimeout)
			assert.True(t, apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err))
		})
	}
}
