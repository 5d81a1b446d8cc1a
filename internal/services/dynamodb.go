package services

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/eks-deployer/internal/dao/deploymentdao"
	"github.com/savaki/eks-deployer/internal/dao/lockdao"
)

// LocksTableName returns the lock table name for a table prefix
func LocksTableName(prefix string) string {
	return prefix + "-locks"
}

// DeploymentsTableName returns the deployment history table name for a table prefix
func DeploymentsTableName(prefix string) string {
	return prefix + "-deployments"
}

// DynamoDBService groups the DAOs that keep deployment state
type DynamoDBService struct {
	client      *dynamodb.Client
	prefix      string
	locks       *lockdao.DAO
	deployments *deploymentdao.DAO
}

// NewDynamoDBService creates a DynamoDBService whose tables share prefix
func NewDynamoDBService(client *dynamodb.Client, prefix string) *DynamoDBService {
	return &DynamoDBService{
		client:      client,
		prefix:      prefix,
		locks:       lockdao.New(client, LocksTableName(prefix)),
		deployments: deploymentdao.New(client, DeploymentsTableName(prefix)),
	}
}

// Locks returns the deployment lock DAO
func (d *DynamoDBService) Locks() *lockdao.DAO {
	return d.locks
}

// Deployments returns the deployment history DAO
func (d *DynamoDBService) Deployments() *deploymentdao.DAO {
	return d.deployments
}

// EnsureTables creates the lock and deployment tables when missing and
// enables TTL expiry of lock records
func (d *DynamoDBService) EnsureTables(ctx context.Context) error {
	db := ddb.New(d.client)

	locks := db.MustTable(LocksTableName(d.prefix), lockdao.Record{})
	if err := locks.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table %s: %w", LocksTableName(d.prefix), err)
	}

	deployments := db.MustTable(DeploymentsTableName(d.prefix), deploymentdao.Record{})
	if err := deployments.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table %s: %w", DeploymentsTableName(d.prefix), err)
	}

	_, err := d.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(LocksTableName(d.prefix)),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil && errorCode(err) != "ValidationException" {
		// ValidationException is returned when TTL is already enabled
		return fmt.Errorf("failed to enable ttl on %s: %w", LocksTableName(d.prefix), err)
	}

	return nil
}
