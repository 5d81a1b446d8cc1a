package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/savaki/eks-deployer/internal/constants"
)

// ECRAPI is the subset of the ECR client used to manage repositories
type ECRAPI interface {
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	SetRepositoryPolicy(ctx context.Context, params *ecr.SetRepositoryPolicyInput, optFns ...func(*ecr.Options)) (*ecr.SetRepositoryPolicyOutput, error)
	PutLifecyclePolicy(ctx context.Context, params *ecr.PutLifecyclePolicyInput, optFns ...func(*ecr.Options)) (*ecr.PutLifecyclePolicyOutput, error)
}

// STSAPI is the subset of the STS client used to identify the caller
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// OrganizationsAPI is the subset of the Organizations client used to look up the org ID
type OrganizationsAPI interface {
	DescribeOrganization(ctx context.Context, params *organizations.DescribeOrganizationInput, optFns ...func(*organizations.Options)) (*organizations.DescribeOrganizationOutput, error)
}

type ECRService struct {
	client    ECRAPI
	stsClient STSAPI
	orgClient OrganizationsAPI
	region    string
}

func NewECRService(cfg aws.Config) *ECRService {
	return NewECRServiceWithClients(ecr.NewFromConfig(cfg), sts.NewFromConfig(cfg), organizations.NewFromConfig(cfg), cfg.Region)
}

// NewECRServiceWithClients allows the AWS clients to be substituted in tests
func NewECRServiceWithClients(client ECRAPI, stsClient STSAPI, orgClient OrganizationsAPI, region string) *ECRService {
	return &ECRService{
		client:    client,
		stsClient: stsClient,
		orgClient: orgClient,
		region:    region,
	}
}

type RepositoryInfo struct {
	Name    string
	ARN     string
	URI     string
	Created bool
}

// EnsureRepository creates an ECR repository with scan-on-push and tag
// immutability enabled. An existing repository is described and returned as is.
func (s *ECRService) EnsureRepository(ctx context.Context, repositoryName string) (*RepositoryInfo, error) {
	output, err := s.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(repositoryName),
		ImageTagMutability: types.ImageTagMutabilityImmutable,
		ImageScanningConfiguration: &types.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		Tags: []types.Tag{
			{
				Key:   aws.String("ManagedBy"),
				Value: aws.String(constants.AppName),
			},
		},
	})
	if err != nil {
		var exists *types.RepositoryAlreadyExistsException
		if !errors.As(err, &exists) {
			return nil, fmt.Errorf("failed to create repository %s: %w", repositoryName, err)
		}

		describeOutput, describeErr := s.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{repositoryName},
		})
		if describeErr != nil {
			return nil, fmt.Errorf("repository exists but failed to describe: %w", describeErr)
		}
		if len(describeOutput.Repositories) == 0 {
			return nil, fmt.Errorf("repository %s exists but not found in describe", repositoryName)
		}
		return newRepositoryInfo(describeOutput.Repositories[0], false), nil
	}

	return newRepositoryInfo(*output.Repository, true), nil
}

func newRepositoryInfo(repo types.Repository, created bool) *RepositoryInfo {
	return &RepositoryInfo{
		Name:    aws.ToString(repo.RepositoryName),
		ARN:     aws.ToString(repo.RepositoryArn),
		URI:     aws.ToString(repo.RepositoryUri),
		Created: created,
	}
}

// GetOrganizationID retrieves the AWS Organization ID if the account belongs to one
func (s *ECRService) GetOrganizationID(ctx context.Context) (string, error) {
	output, err := s.orgClient.DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	if err != nil {
		var notInUse *orgtypes.AWSOrganizationsNotInUseException
		var denied *orgtypes.AccessDeniedException
		if errors.As(err, &notInUse) || errors.As(err, &denied) {
			return "", nil
		}
		return "", fmt.Errorf("failed to describe organization: %w", err)
	}

	return aws.ToString(output.Organization.Id), nil
}

// SetRepositoryPolicy sets an organization-wide read policy on the repository
func (s *ECRService) SetRepositoryPolicy(ctx context.Context, repositoryName, organizationID string) error {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Sid":    "OrganizationAccess",
				"Effect": "Allow",
				"Principal": map[string]interface{}{
					"AWS": "*",
				},
				"Action": []string{
					"ecr:GetDownloadUrlForLayer",
					"ecr:BatchGetImage",
					"ecr:BatchCheckLayerAvailability",
					"ecr:DescribeRepositories",
					"ecr:GetRepositoryPolicy",
					"ecr:ListImages",
				},
				"Condition": map[string]interface{}{
					"StringEquals": map[string]interface{}{
						"aws:PrincipalOrgID": organizationID,
					},
				},
			},
		},
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	_, err = s.client.SetRepositoryPolicy(ctx, &ecr.SetRepositoryPolicyInput{
		RepositoryName: aws.String(repositoryName),
		PolicyText:     aws.String(string(policyJSON)),
	})
	if err != nil {
		return fmt.Errorf("failed to set repository policy: %w", err)
	}

	return nil
}

// SetLifecyclePolicy expires all but the most recent keep images in the repository.
// Deployment tags are unique per deployment so old images otherwise accumulate.
func (s *ECRService) SetLifecyclePolicy(ctx context.Context, repositoryName string, keep int) error {
	if keep <= 0 {
		return nil
	}

	policy := map[string]interface{}{
		"rules": []map[string]interface{}{
			{
				"rulePriority": 1,
				"description":  fmt.Sprintf("keep the last %d images", keep),
				"selection": map[string]interface{}{
					"tagStatus":   "any",
					"countType":   "imageCountMoreThan",
					"countNumber": keep,
				},
				"action": map[string]interface{}{
					"type": "expire",
				},
			},
		},
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle policy: %w", err)
	}

	_, err = s.client.PutLifecyclePolicy(ctx, &ecr.PutLifecyclePolicyInput{
		RepositoryName:      aws.String(repositoryName),
		LifecyclePolicyText: aws.String(string(policyJSON)),
	})
	if err != nil {
		return fmt.Errorf("failed to set lifecycle policy: %w", err)
	}

	return nil
}

// GetAccountID retrieves the AWS account ID
func (s *ECRService) GetAccountID(ctx context.Context) (string, error) {
	output, err := s.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	if output.Account == nil {
		return "", fmt.Errorf("account ID is nil")
	}
	return aws.ToString(output.Account), nil
}

// Region returns the region repositories are created in
func (s *ECRService) Region() string {
	return s.region
}

// errorCode returns the AWS error code of err, if any
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
