package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"golang.org/x/oauth2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/transport"
)

const (
	tokenPrefix     = "k8s-aws-v1."
	clusterIDHeader = "x-k8s-aws-id"

	// tokenLifetime is how long a minted token is reused. EKS rejects
	// tokens 15 minutes after they are presigned.
	tokenLifetime = 14 * time.Minute
)

// EKSAPI is the subset of the EKS client used to locate a cluster
type EKSAPI interface {
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

// Presigner presigns sts:GetCallerIdentity, which EKS accepts as a bearer token
type Presigner interface {
	PresignGetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Token returns a bearer token for clusterName
func Token(ctx context.Context, presigner Presigner, clusterName string) (string, error) {
	presigned, err := presigner.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(so *sts.Options) {
			so.APIOptions = append(so.APIOptions,
				smithyhttp.SetHeaderValue(clusterIDHeader, clusterName),
				smithyhttp.SetHeaderValue("X-Amz-Expires", "60"),
			)
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign caller identity request: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(presigned.URL)), nil
}

// TokenSource mints EKS bearer tokens. Tokens are cached by the transport
// until shortly before Expiry so long deployments keep a valid token.
type TokenSource struct {
	ctx       context.Context
	presigner Presigner
	cluster   string
	lifetime  time.Duration
	now       func() time.Time
}

// NewTokenSource returns a TokenSource for clusterName
func NewTokenSource(ctx context.Context, presigner Presigner, clusterName string) *TokenSource {
	return &TokenSource{
		ctx:       context.WithoutCancel(ctx),
		presigner: presigner,
		cluster:   clusterName,
		lifetime:  tokenLifetime,
		now:       time.Now,
	}
}

// Token implements oauth2.TokenSource
func (s *TokenSource) Token() (*oauth2.Token, error) {
	issued := s.now()
	token, err := Token(s.ctx, s.presigner, s.cluster)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      issued.Add(s.lifetime),
	}, nil
}

// EKSRestConfig returns a rest config for an active EKS cluster authenticated
// with the caller's AWS identity
func EKSRestConfig(ctx context.Context, api EKSAPI, presigner Presigner, clusterName string) (*rest.Config, error) {
	out, err := api.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(clusterName)})
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster %s: %w", clusterName, err)
	}
	if out.Cluster == nil {
		return nil, fmt.Errorf("cluster %s not found", clusterName)
	}

	c := out.Cluster
	if c.Status != types.ClusterStatusActive {
		return nil, fmt.Errorf("cluster %s is %s, not ACTIVE", clusterName, c.Status)
	}
	if c.CertificateAuthority == nil || c.CertificateAuthority.Data == nil {
		return nil, fmt.Errorf("cluster %s has no certificate authority", clusterName)
	}

	ca, err := base64.StdEncoding.DecodeString(aws.ToString(c.CertificateAuthority.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate authority for %s: %w", clusterName, err)
	}

	// fail fast when the caller has no usable AWS credentials
	source := NewTokenSource(ctx, presigner, clusterName)
	if _, err := source.Token(); err != nil {
		return nil, err
	}

	return &rest.Config{
		Host:          aws.ToString(c.Endpoint),
		WrapTransport: transport.TokenSourceWrapTransport(source),
		TLSClientConfig: rest.TLSClientConfig{
			CAData: ca,
		},
	}, nil
}

// BuildEKSClient returns a clientset for an EKS cluster
func BuildEKSClient(ctx context.Context, cfg aws.Config, clusterName string) (*kubernetes.Clientset, *rest.Config, error) {
	config, err := EKSRestConfig(ctx, eks.NewFromConfig(cfg), sts.NewPresignClient(sts.NewFromConfig(cfg)), clusterName)
	if err != nil {
		return nil, nil, err
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, config, nil
}
