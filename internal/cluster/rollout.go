package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/savaki/eks-deployer/internal/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

// reasonProgressDeadlineExceeded is set on the Progressing condition by the
// deployment controller once spec.progressDeadlineSeconds has elapsed
const reasonProgressDeadlineExceeded = "ProgressDeadlineExceeded"

// RolloutStatus reports whether a Deployment has finished rolling out. A
// non-nil error means the rollout cannot succeed.
func RolloutStatus(d *appsv1.Deployment) (done bool, message string, err error) {
	if d.Generation > d.Status.ObservedGeneration {
		return false, "waiting for deployment spec update to be observed", nil
	}

	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Reason == reasonProgressDeadlineExceeded {
			return false, "", fmt.Errorf("%w: deployment %q exceeded its progress deadline: %s", errors.ErrRolloutFailed, d.Name, cond.Message)
		}
	}

	replicas := int32(1)
	if d.Spec.Replicas != nil {
		replicas = *d.Spec.Replicas
	}

	switch {
	case d.Status.UpdatedReplicas < replicas:
		return false, fmt.Sprintf("%d out of %d new replicas have been updated", d.Status.UpdatedReplicas, replicas), nil
	case d.Status.Replicas > d.Status.UpdatedReplicas:
		return false, fmt.Sprintf("%d old replicas are pending termination", d.Status.Replicas-d.Status.UpdatedReplicas), nil
	case d.Status.AvailableReplicas < d.Status.UpdatedReplicas:
		return false, fmt.Sprintf("%d of %d updated replicas are available", d.Status.AvailableReplicas, d.Status.UpdatedReplicas), nil
	}
	return true, fmt.Sprintf("deployment %q successfully rolled out", d.Name), nil
}

// unrecoverable reports API errors that polling again will not clear
func unrecoverable(err error) bool {
	return apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err)
}

// WaitForRollout polls a Deployment until it has rolled out, failed or timeout elapses
func (a *Applier) WaitForRollout(ctx context.Context, namespace, name string, timeout time.Duration) error {
	logger := a.logger.With().Str("namespace", namespace).Str("deployment", name).Logger()
	var last string

	err := wait.PollUntilContextTimeout(ctx, a.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		d, err := a.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, fmt.Errorf("%w: deployment %s/%s not found", errors.ErrRolloutFailed, namespace, name)
		}
		if unrecoverable(err) {
			return false, fmt.Errorf("failed to get deployment %s/%s: %w", namespace, name, err)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("failed to get deployment, retrying")
			return false, nil
		}

		done, message, err := RolloutStatus(d)
		if err != nil {
			return false, err
		}
		if message != last {
			logger.Info().Msg(message)
			last = message
		}
		return done, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: deployment %s/%s after %s: %s", errors.ErrRolloutTimeout, namespace, name, timeout, last)
		}
		return err
	}
	return nil
}

// WaitForLoadBalancer polls a LoadBalancer Service until it has been assigned
// an external hostname or IP, and returns it
func (a *Applier) WaitForLoadBalancer(ctx context.Context, namespace, name string, timeout time.Duration) (string, error) {
	var endpoint string

	err := wait.PollUntilContextTimeout(ctx, a.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		svc, err := a.clientset.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("service %s/%s not found", namespace, name)
			}
			if unrecoverable(err) {
				return false, fmt.Errorf("failed to get service %s/%s: %w", namespace, name, err)
			}
			a.logger.Warn().Err(err).Str("service", name).Msg("failed to get service, retrying")
			return false, nil
		}
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
			return false, fmt.Errorf("service %s/%s is type %s, not LoadBalancer", namespace, name, svc.Spec.Type)
		}

		for _, ingress := range svc.Status.LoadBalancer.Ingress {
			switch {
			case ingress.Hostname != "":
				endpoint = ingress.Hostname
				return true, nil
			case ingress.IP != "":
				endpoint = ingress.IP
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: service %s/%s has no load balancer address after %s", errors.ErrRolloutTimeout, namespace, name, timeout)
		}
		return "", err
	}

	a.logger.Info().Str("service", name).Str("endpoint", endpoint).Msg("load balancer ready")
	return endpoint, nil
}
