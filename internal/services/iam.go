package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/savaki/eks-deployer/internal/constants"
)

// ECRPushPolicyName is the inline role policy managed by AddECRPushPermissions
const ECRPushPolicyName = constants.AppName + "-ecr-push"

// IAMAPI is the subset of the IAM client used to grant push permissions
type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

type IAMService struct {
	client IAMAPI
}

func NewIAMService(cfg aws.Config) *IAMService {
	return NewIAMServiceWithClient(iam.NewFromConfig(cfg))
}

func NewIAMServiceWithClient(client IAMAPI) *IAMService {
	return &IAMService{client: client}
}

// AddECRPushPermissions attaches an inline policy to roleName allowing it to
// push to the given repositories and describe the given clusters. The policy
// is replaced on every call, so the call is idempotent.
func (s *IAMService) AddECRPushPermissions(ctx context.Context, roleName string, repositoryARNs, clusterARNs []string) error {
	if len(repositoryARNs) == 0 {
		return fmt.Errorf("at least one repository ARN is required")
	}

	if _, err := s.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)}); err != nil {
		if errorCode(err) == "NoSuchEntity" {
			return fmt.Errorf("role %s does not exist: %w", roleName, err)
		}
		return fmt.Errorf("failed to get role %s: %w", roleName, err)
	}

	document, err := ECRPushPolicyDocument(repositoryARNs, clusterARNs)
	if err != nil {
		return err
	}

	_, err = s.client.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(roleName),
		PolicyName:     aws.String(ECRPushPolicyName),
		PolicyDocument: aws.String(document),
	})
	if err != nil {
		return fmt.Errorf("failed to put role policy on %s: %w", roleName, err)
	}

	return nil
}

// ECRPushPolicyDocument returns the IAM policy document granted by AddECRPushPermissions
func ECRPushPolicyDocument(repositoryARNs, clusterARNs []string) (string, error) {
	statements := []map[string]interface{}{
		{
			"Sid":      "ECRAuth",
			"Effect":   "Allow",
			"Action":   []string{"ecr:GetAuthorizationToken"},
			"Resource": "*",
		},
		{
			"Sid":    "ECRPush",
			"Effect": "Allow",
			"Action": []string{
				"ecr:BatchCheckLayerAvailability",
				"ecr:BatchGetImage",
				"ecr:CompleteLayerUpload",
				"ecr:DescribeRepositories",
				"ecr:GetDownloadUrlForLayer",
				"ecr:InitiateLayerUpload",
				"ecr:PutImage",
				"ecr:UploadLayerPart",
			},
			"Resource": repositoryARNs,
		},
	}
	if len(clusterARNs) > 0 {
		statements = append(statements, map[string]interface{}{
			"Sid":      "EKSDescribe",
			"Effect":   "Allow",
			"Action":   []string{"eks:DescribeCluster"},
			"Resource": clusterARNs,
		})
	}

	data, err := json.Marshal(map[string]interface{}{
		"Version":   "2012-10-17",
		"Statement": statements,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy: %w", err)
	}
	return string(data), nil
}
