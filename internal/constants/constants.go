package constants

import "time"

// AppName identifies this tool as a field manager, label value and lock holder.
const AppName = "eks-deployer"

// Labels and annotations stamped on every applied object
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelName      = "app.kubernetes.io/name"

	// AnnotationDeploymentID records the KSUID of the deployment that last applied the object
	AnnotationDeploymentID = "eks-deployer.io/deployment-id"

	// AnnotationImage records the digest-pinned image reference that was deployed
	AnnotationImage = "eks-deployer.io/image"
)

// Defaults used when the pipeline config omits a value
const (
	DefaultTool       = "docker"
	DefaultDockerfile = "Dockerfile"
	DefaultContext    = "."
	DefaultNamespace  = "default"
	DefaultRegion     = "us-east-1"
	DefaultConfigFile = "deployer.yaml"
)

// Timeouts for cluster operations
const (
	// RolloutTimeout is the default time allowed for a Deployment to become available
	RolloutTimeout = 5 * time.Minute

	// LoadBalancerTimeout is the default time allowed for a LoadBalancer Service to get an address
	LoadBalancerTimeout = 5 * time.Minute

	// PollInterval is how often rollout and load balancer status is checked
	PollInterval = 2 * time.Second

	// LockTTL is how long a deployment lock is honored before it may be taken over
	LockTTL = 1 * time.Hour
)

// Retry settings for registry pushes
const (
	PushInitialInterval = 1 * time.Second
	PushMaxInterval     = 30 * time.Second
	PushMaxElapsedTime  = 5 * time.Minute
	PushMaxRetries      = 5
)
