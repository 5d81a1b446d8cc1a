package errors

import "errors"

var (
	ErrBuildContextNotFound = errors.New("build context not found")
	ErrDockerfileNotFound   = errors.New("dockerfile not found")
	ErrBuildFailed          = errors.New("image build failed")
	ErrInvalidReference     = errors.New("invalid image reference")
	ErrPushFailed           = errors.New("image push failed")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrNamespaceMismatch    = errors.New("manifest namespace does not match target namespace")
	ErrPolicyViolation      = errors.New("manifests violate deployment policy")
	ErrUnsupportedKind      = errors.New("unsupported resource kind")
	ErrRolloutFailed        = errors.New("rollout failed")
	ErrRolloutTimeout       = errors.New("timed out waiting for rollout")
	ErrLockHeld             = errors.New("deployment lock held by another deployment")
	ErrDeploymentNotFound   = errors.New("deployment record not found")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrFileExists           = errors.New("file already exists")
)
