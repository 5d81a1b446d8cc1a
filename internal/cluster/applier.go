package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/eks-deployer/internal/constants"
	"github.com/savaki/eks-deployer/internal/errors"
	"github.com/savaki/eks-deployer/internal/render"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// Action is what Apply did to an object
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Applied records one applied object
type Applied struct {
	Kind      string
	Namespace string
	Name      string
	Action    Action
}

func (a Applied) String() string {
	if a.Namespace == "" {
		return fmt.Sprintf("%s/%s %s", a.Kind, a.Name, a.Action)
	}
	return fmt.Sprintf("%s/%s/%s %s", a.Kind, a.Namespace, a.Name, a.Action)
}

type applyFunc func(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error)

type kindHandler struct {
	order int
	apply applyFunc
}

var (
	gvkNamespace      = corev1.SchemeGroupVersion.WithKind("Namespace")
	gvkServiceAccount = corev1.SchemeGroupVersion.WithKind("ServiceAccount")
	gvkConfigMap      = corev1.SchemeGroupVersion.WithKind("ConfigMap")
	gvkSecret         = corev1.SchemeGroupVersion.WithKind("Secret")
	gvkService        = corev1.SchemeGroupVersion.WithKind("Service")
	gvkDeployment     = appsv1.SchemeGroupVersion.WithKind("Deployment")
	gvkHPA            = autoscalingv2.SchemeGroupVersion.WithKind("HorizontalPodAutoscaler")
	gvkIngress        = networkingv1.SchemeGroupVersion.WithKind("Ingress")
)

// handlers apply supported kinds; objects are applied in ascending order
var handlers = map[schema.GroupVersionKind]kindHandler{
	gvkNamespace:      {order: 0, apply: applyNamespace},
	gvkServiceAccount: {order: 1, apply: applyServiceAccount},
	gvkConfigMap:      {order: 2, apply: applyConfigMap},
	gvkSecret:         {order: 2, apply: applySecret},
	gvkService:        {order: 3, apply: applyService},
	gvkDeployment:     {order: 4, apply: applyDeployment},
	gvkHPA:            {order: 5, apply: applyHPA},
	gvkIngress:        {order: 5, apply: applyIngress},
}

// Supported reports whether Apply can handle the object's group, version and kind
func Supported(gvk schema.GroupVersionKind) bool {
	_, ok := handlers[gvk]
	return ok
}

// Applier creates or updates objects through the typed clientset
type Applier struct {
	clientset    kubernetes.Interface
	pollInterval time.Duration
	logger       zerolog.Logger
}

// ApplierOption customizes an Applier
type ApplierOption func(*Applier)

// WithPollInterval sets how often rollout and load balancer status is checked
func WithPollInterval(d time.Duration) ApplierOption {
	return func(a *Applier) {
		a.pollInterval = d
	}
}

// NewApplier returns an Applier for clientset
func NewApplier(clientset kubernetes.Interface, logger zerolog.Logger, opts ...ApplierOption) *Applier {
	a := &Applier{
		clientset:    clientset,
		pollInterval: constants.PollInterval,
		logger:       logger.With().Str("component", "applier").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply submits docs to the cluster. Every object is checked before any is
// applied, so an unsupported kind leaves the cluster untouched.
func (a *Applier) Apply(ctx context.Context, docs []render.Document) ([]Applied, error) {
	type pending struct {
		doc     render.Document
		handler kindHandler
	}

	items := make([]pending, 0, len(docs))
	for _, doc := range docs {
		gvk := doc.Object.GroupVersionKind()
		handler, ok := handlers[gvk]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s (%s)", errors.ErrUnsupportedKind, gvk.Kind, doc.Object.GetName(), gvk.GroupVersion())
		}
		items = append(items, pending{doc: doc, handler: handler})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].handler.order < items[j].handler.order
	})

	applied := make([]Applied, 0, len(items))
	for _, item := range items {
		obj := item.doc.Object
		action, err := item.handler.apply(ctx, a, obj)
		if err != nil {
			return applied, fmt.Errorf("failed to apply %s %s/%s from %s: %w",
				obj.GetKind(), obj.GetNamespace(), obj.GetName(), item.doc.Source, err)
		}

		result := Applied{
			Kind:      obj.GetKind(),
			Namespace: obj.GetNamespace(),
			Name:      obj.GetName(),
			Action:    action,
		}
		a.logger.Info().
			Str("kind", result.Kind).
			Str("namespace", result.Namespace).
			Str("name", result.Name).
			Str("action", string(action)).
			Msg("applied object")
		applied = append(applied, result)
	}

	return applied, nil
}

// typedClient is satisfied by every typed clientset resource interface
type typedClient[T metav1.Object] interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (T, error)
	Create(ctx context.Context, obj T, opts metav1.CreateOptions) (T, error)
	Update(ctx context.Context, obj T, opts metav1.UpdateOptions) (T, error)
}

// upsert creates desired when missing, otherwise updates it on top of the
// live object, retrying on conflict. merge copies server-owned fields from
// the live object into desired.
func upsert[T metav1.Object](ctx context.Context, client typedClient[T], desired T, merge func(live, desired T)) (Action, error) {
	_, err := client.Get(ctx, desired.GetName(), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, desired, metav1.CreateOptions{FieldManager: constants.AppName})
		if err == nil {
			return ActionCreated, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		live, err := client.Get(ctx, desired.GetName(), metav1.GetOptions{})
		if err != nil {
			return err
		}
		desired.SetResourceVersion(live.GetResourceVersion())
		if merge != nil {
			merge(live, desired)
		}
		_, err = client.Update(ctx, desired, metav1.UpdateOptions{FieldManager: constants.AppName})
		return err
	})
	if err != nil {
		return "", err
	}
	return ActionUpdated, nil
}

func convert[T any](obj *unstructured.Unstructured) (*T, error) {
	var typed T
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &typed); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", errors.ErrInvalidManifest, obj.GetKind(), obj.GetName(), err)
	}
	return &typed, nil
}

func applyNamespace(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	ns, err := convert[corev1.Namespace](obj)
	if err != nil {
		return "", err
	}
	return upsert[*corev1.Namespace](ctx, a.clientset.CoreV1().Namespaces(), ns, func(live, desired *corev1.Namespace) {
		desired.Spec.Finalizers = live.Spec.Finalizers
	})
}

func applyServiceAccount(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	sa, err := convert[corev1.ServiceAccount](obj)
	if err != nil {
		return "", err
	}
	return upsert[*corev1.ServiceAccount](ctx, a.clientset.CoreV1().ServiceAccounts(sa.Namespace), sa, func(live, desired *corev1.ServiceAccount) {
		if len(desired.Secrets) == 0 {
			desired.Secrets = live.Secrets
		}
	})
}

func applyConfigMap(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	cm, err := convert[corev1.ConfigMap](obj)
	if err != nil {
		return "", err
	}
	return upsert[*corev1.ConfigMap](ctx, a.clientset.CoreV1().ConfigMaps(cm.Namespace), cm, nil)
}

func applySecret(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	secret, err := convert[corev1.Secret](obj)
	if err != nil {
		return "", err
	}
	return upsert[*corev1.Secret](ctx, a.clientset.CoreV1().Secrets(secret.Namespace), secret, nil)
}

func applyService(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	svc, err := convert[corev1.Service](obj)
	if err != nil {
		return "", err
	}
	return upsert[*corev1.Service](ctx, a.clientset.CoreV1().Services(svc.Namespace), svc, mergeService)
}

// mergeService keeps fields the API server assigns to a Service
func mergeService(live, desired *corev1.Service) {
	if desired.Spec.ClusterIP == "" {
		desired.Spec.ClusterIP = live.Spec.ClusterIP
	}
	if len(desired.Spec.ClusterIPs) == 0 {
		desired.Spec.ClusterIPs = live.Spec.ClusterIPs
	}
	if len(desired.Spec.IPFamilies) == 0 {
		desired.Spec.IPFamilies = live.Spec.IPFamilies
	}
	if desired.Spec.IPFamilyPolicy == nil {
		desired.Spec.IPFamilyPolicy = live.Spec.IPFamilyPolicy
	}
	if desired.Spec.HealthCheckNodePort == 0 {
		desired.Spec.HealthCheckNodePort = live.Spec.HealthCheckNodePort
	}

	for i := range desired.Spec.Ports {
		port := &desired.Spec.Ports[i]
		if port.NodePort != 0 {
			continue
		}
		for _, existing := range live.Spec.Ports {
			if existing.Port == port.Port && protocol(existing.Protocol) == protocol(port.Protocol) {
				port.NodePort = existing.NodePort
				break
			}
		}
	}
}

func protocol(p corev1.Protocol) corev1.Protocol {
	if p == "" {
		return corev1.ProtocolTCP
	}
	return p
}

func applyDeployment(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	deployment, err := convert[appsv1.Deployment](obj)
	if err != nil {
		return "", err
	}
	return upsert[*appsv1.Deployment](ctx, a.clientset.AppsV1().Deployments(deployment.Namespace), deployment, func(live, desired *appsv1.Deployment) {
		// leave replicas to an autoscaler when the manifest does not set them
		if desired.Spec.Replicas == nil {
			desired.Spec.Replicas = live.Spec.Replicas
		}
	})
}

func applyHPA(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	hpa, err := convert[autoscalingv2.HorizontalPodAutoscaler](obj)
	if err != nil {
		return "", err
	}
	return upsert[*autoscalingv2.HorizontalPodAutoscaler](ctx, a.clientset.AutoscalingV2().HorizontalPodAutoscalers(hpa.Namespace), hpa, nil)
}

func applyIngress(ctx context.Context, a *Applier, obj *unstructured.Unstructured) (Action, error) {
	ingress, err := convert[networkingv1.Ingress](obj)
	if err != nil {
		return "", err
	}
	return upsert[*networkingv1.Ingress](ctx, a.clientset.NetworkingV1().Ingresses(ingress.Namespace), ingress, nil)
}
