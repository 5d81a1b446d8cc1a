package lockdao

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/smithy-go"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/eks-deployer/internal/constants"
)

const (
	skPrefix = "LOCK#"

	maxAcquireAttempts = 3
)

// PK represents the partition key: {Cluster}/{Namespace}
type PK string

// NewPK creates a partition key from cluster and namespace
func NewPK(cluster, namespace string) PK {
	return PK(fmt.Sprintf("%s/%s", cluster, namespace))
}

// ParsePK parses a partition key into cluster and namespace components
func ParsePK(pk PK) (cluster, namespace string, err error) {
	s := string(pk)
	// cluster may itself contain '/', e.g. an EKS ARN; namespace cannot
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {cluster}/{namespace}", s)
	}
	return s[:i], s[i+1:], nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// SK represents the sort key: LOCK#{App}
type SK string

// NewSK creates a sort key for app
func NewSK(app string) SK {
	return SK(skPrefix + app)
}

// App returns the app the lock guards
func (sk SK) App() string {
	return strings.TrimPrefix(string(sk), skPrefix)
}

// String returns the string representation
func (sk SK) String() string {
	return string(sk)
}

// ID represents a lock ID in format {cluster}/{namespace}:LOCK#{app}
// Example: demo/apps:LOCK#hello
type ID string

// NewID creates an ID from cluster, namespace and app
func NewID(cluster, namespace, app string) ID {
	return ID(fmt.Sprintf("%s:%s", NewPK(cluster, namespace), NewSK(app)))
}

// ParseID parses an ID into cluster, namespace and app components
func ParseID(id ID) (cluster, namespace, app string, err error) {
	s := string(id)
	// the SK never contains ':' so the last one separates PK from SK
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", "", fmt.Errorf("invalid ID format: %s, expected {cluster}/{namespace}:LOCK#{app}", s)
	}
	pk, sk := s[:i], s[i+1:]

	if !strings.HasPrefix(sk, skPrefix) || len(sk) == len(skPrefix) {
		return "", "", "", fmt.Errorf("invalid ID format: %s, expected SK to be 'LOCK#{app}', got '%s'", s, sk)
	}

	cluster, namespace, err = ParsePK(PK(pk))
	if err != nil {
		return "", "", "", fmt.Errorf("invalid PK in ID: %s, expected {cluster}/{namespace}", pk)
	}

	return cluster, namespace, SK(sk).App(), nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// Record represents a deployment lock
type Record struct {
	PK           PK     `ddb:"hash" dynamodbav:"pk"`  // {Cluster}/{Namespace}
	SK           SK     `ddb:"range" dynamodbav:"sk"` // LOCK#{App}
	DeploymentID string `dynamodbav:"deployment_id"`  // KSUID of the deployment holding the lock
	Holder       string `dynamodbav:"holder"`         // user@host that started the deployment
	AcquiredAt   int64  `dynamodbav:"acquired_at"`    // Unix timestamp when lock was acquired
	TTL          int64  `dynamodbav:"ttl"`            // Unix timestamp for DynamoDB TTL expiry
}

// GetID returns the ID for this record
func (r *Record) GetID() ID {
	return ID(fmt.Sprintf("%s:%s", r.PK, r.SK))
}

// Expired reports whether the lock is no longer honored at now
func (r *Record) Expired(now time.Time) bool {
	return r.TTL > 0 && r.TTL <= now.Unix()
}

// AcquireInput contains fields for acquiring a deployment lock
type AcquireInput struct {
	Cluster      string
	Namespace    string
	App          string
	DeploymentID string        // Deployment KSUID
	Holder       string        // Who is deploying
	TTL          time.Duration // How long the lock is honored
}

// ReleaseInput contains fields for releasing a deployment lock
type ReleaseInput struct {
	ID           ID     // Lock ID
	DeploymentID string // Deployment KSUID (must match lock holder)
}

// DAO provides data access operations for deployment locks
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
	now   func() time.Time
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	return NewWithAPI(client, tableName)
}

// NewWithAPI creates a DAO on any DynamoDB API implementation
func NewWithAPI(api ddb.DynamoDBAPI, tableName string) *DAO {
	db := ddb.New(api)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
		now:   time.Now,
	}
}

// Acquire attempts to acquire a deployment lock.
// It returns the record and true when the lock is held by input.DeploymentID,
// or the current holder's record and false when another deployment holds it.
// Expired locks are taken over. The write is conditional so concurrent
// deployments cannot both acquire the same lock.
func (d *DAO) Acquire(ctx context.Context, input AcquireInput) (*Record, bool, error) {
	ttl := input.TTL
	if ttl <= 0 {
		ttl = constants.LockTTL
	}

	id := NewID(input.Cluster, input.Namespace, input.App)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		now := d.now()
		record := &Record{
			PK:           NewPK(input.Cluster, input.Namespace),
			SK:           NewSK(input.App),
			DeploymentID: input.DeploymentID,
			Holder:       input.Holder,
			AcquiredAt:   now.Unix(),
			TTL:          now.Add(ttl).Unix(),
		}

		err := d.table.Put(record).
			Condition("attribute_not_exists(#pk) or #ttl <= ? or #? = ?", now.Unix(), "deployment_id", input.DeploymentID).
			RunWithContext(ctx)
		if err == nil {
			return record, true, nil
		}
		if !isConditionFailed(err) {
			return nil, false, fmt.Errorf("failed to create lock: %w", err)
		}

		existing, err := d.Find(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("failed to check existing lock: %w", err)
		}
		if existing != nil {
			return existing, false, nil
		}
		// released between the put and the read; try again
	}

	return nil, false, fmt.Errorf("failed to acquire lock %s: lock changed hands %d times", id, maxAcquireAttempts)
}

// Find retrieves a lock record by ID
// Returns nil if not found
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	cluster, namespace, app, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var record Record
	err = d.table.Get(NewPK(cluster, namespace).String()).
		Range(NewSK(app).String()).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return nil, nil
	}

	return &record, nil
}

// Release releases a deployment lock
// Only succeeds if the lock is held by the specified deployment
func (d *DAO) Release(ctx context.Context, input ReleaseInput) error {
	cluster, namespace, app, err := ParseID(input.ID)
	if err != nil {
		return err
	}

	err = d.table.Delete(NewPK(cluster, namespace).String()).
		Range(NewSK(app).String()).
		Condition("#? = ?", "deployment_id", input.DeploymentID).
		RunWithContext(ctx)
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	existing, err := d.Find(ctx, input.ID)
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}
	if existing == nil {
		// No lock exists (already released or expired)
		return nil
	}
	return fmt.Errorf("lock not held by deployment %s (held by %s)", input.DeploymentID, existing.DeploymentID)
}

// Delete removes a lock record regardless of who holds it
func (d *DAO) Delete(ctx context.Context, id ID) error {
	cluster, namespace, app, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(NewPK(cluster, namespace).String()).
		Range(NewSK(app).String()).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}

	return nil
}

func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func isNotFound(err error) bool {
	if ddb.IsItemNotFoundError(err) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "item not found") || strings.Contains(s, "ItemNotFound")
}
