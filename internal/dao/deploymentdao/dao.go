package deploymentdao

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/eks-deployer/internal/errors"
)

// PK represents the partition key: {Cluster}/{App}
type PK string

// NewPK creates a partition key from cluster and app
func NewPK(cluster, app string) PK {
	return PK(fmt.Sprintf("%s/%s", cluster, app))
}

// ParsePK parses a partition key into cluster and app components
func ParsePK(pk PK) (cluster, app string, err error) {
	s := string(pk)
	// cluster may itself contain '/', e.g. an EKS ARN; app cannot
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("invalid PK format: %s, expected {cluster}/{app}", s)
	}
	return s[:i], s[i+1:], nil
}

// String returns the string representation
func (pk PK) String() string {
	return string(pk)
}

// ID represents a deployment ID in format {cluster}/{app}:{ksuid}
// Example: demo/hello:2HFj3kLmNoPqRsTuVwXy
type ID string

// NewID creates an ID from cluster, app and deployment KSUID
func NewID(cluster, app, deploymentID string) ID {
	return ID(fmt.Sprintf("%s:%s", NewPK(cluster, app), deploymentID))
}

// ParseID parses an ID into cluster, app and deployment KSUID components
func ParseID(id ID) (cluster, app, deploymentID string, err error) {
	s := string(id)
	i := strings.LastIndex(s, ":")
	if i < 0 || i == len(s)-1 {
		return "", "", "", fmt.Errorf("invalid ID format: %s, expected {cluster}/{app}:{ksuid}", s)
	}
	pk, deploymentID := s[:i], s[i+1:]

	cluster, app, err = ParsePK(PK(pk))
	if err != nil {
		return "", "", "", fmt.Errorf("invalid PK in ID: %s, expected {cluster}/{app}", pk)
	}

	return cluster, app, deploymentID, nil
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// DeploymentStatus represents the status of a deployment
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "PENDING"
	StatusInProgress DeploymentStatus = "IN_PROGRESS"
	StatusSuccess    DeploymentStatus = "SUCCESS"
	StatusFailed     DeploymentStatus = "FAILED"
)

// Terminal reports whether no further transitions are expected
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Record represents one run of the pipeline
type Record struct {
	PK          PK               `ddb:"hash" dynamodbav:"pk"`          // {Cluster}/{App}
	SK          string           `ddb:"range" dynamodbav:"sk"`         // Deployment KSUID
	Env         string           `dynamodbav:"env,omitempty"`          // Environment label
	Namespace   string           `dynamodbav:"namespace"`              // Target namespace
	Holder      string           `dynamodbav:"holder,omitempty"`       // user@host that started the deployment
	Image       string           `dynamodbav:"image,omitempty"`        // Tag reference as pushed
	Digest      string           `dynamodbav:"digest,omitempty"`       // Manifest digest
	Status      DeploymentStatus `dynamodbav:"status"`                 // PENDING|IN_PROGRESS|SUCCESS|FAILED
	Stage       string           `dynamodbav:"stage,omitempty"`        // Last stage reached, or the stage that failed
	ErrorMsg    string           `dynamodbav:"error_msg,omitempty"`    // Failure message
	Endpoint    string           `dynamodbav:"endpoint,omitempty"`     // Load balancer hostname or IP
	ManifestURI string           `dynamodbav:"manifest_uri,omitempty"` // s3:// location of the rendered manifests
	CreatedAt   int64            `dynamodbav:"created_at"`             // Unix timestamp
	UpdatedAt   int64            `dynamodbav:"updated_at"`             // Unix timestamp
	FinishedAt  int64            `dynamodbav:"finished_at,omitempty"`  // Unix timestamp
}

// GetID returns the ID for this record
func (r *Record) GetID() ID {
	return ID(fmt.Sprintf("%s:%s", r.PK, r.SK))
}

// CreateInput contains fields for creating a deployment record
type CreateInput struct {
	Cluster      string
	App          string
	DeploymentID string // Deployment KSUID
	Env          string
	Namespace    string
	Holder       string
}

// UpdateInput contains fields for updating a deployment record
type UpdateInput struct {
	ID          ID
	Status      DeploymentStatus
	Stage       string
	Image       string
	Digest      string
	ErrorMsg    string
	Endpoint    string
	ManifestURI string
}

// DAO provides data access operations for deployment history
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
	}
}

// Create initializes a deployment record with PENDING status
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	now := time.Now().Unix()

	record := Record{
		PK:        NewPK(input.Cluster, input.App),
		SK:        input.DeploymentID,
		Env:       input.Env,
		Namespace: input.Namespace,
		Holder:    input.Holder,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := d.table.Put(&record).RunWithContext(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create deployment record: %w", err)
	}

	return record, nil
}

// Find retrieves a deployment record by ID
// Returns ErrDeploymentNotFound if there is no such record
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	cluster, app, deploymentID, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record
	err = d.table.Get(NewPK(cluster, app).String()).
		Range(deploymentID).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return Record{}, fmt.Errorf("%w: %s", errors.ErrDeploymentNotFound, id)
		}
		return Record{}, fmt.Errorf("failed to get deployment: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrDeploymentNotFound, id)
	}

	return record, nil
}

// UpdateStatus moves a deployment record to a new status, recording any
// artifacts produced so far
func (d *DAO) UpdateStatus(ctx context.Context, input UpdateInput) error {
	cluster, app, deploymentID, err := ParseID(input.ID)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	update := d.table.Update(NewPK(cluster, app).String()).
		Range(deploymentID).
		Set("#Status = ?", string(input.Status)).
		Set("#UpdatedAt = ?", now)

	if input.Stage != "" {
		update = update.Set("#Stage = ?", input.Stage)
	}

	if input.Image != "" {
		update = update.Set("#Image = ?", input.Image)
	}

	if input.Digest != "" {
		update = update.Set("#Digest = ?", input.Digest)
	}

	if input.ErrorMsg != "" {
		update = update.Set("#ErrorMsg = ?", input.ErrorMsg)
	}

	if input.Endpoint != "" {
		update = update.Set("#Endpoint = ?", input.Endpoint)
	}

	if input.ManifestURI != "" {
		update = update.Set("#ManifestURI = ?", input.ManifestURI)
	}

	if input.Status.Terminal() {
		update = update.Set("#FinishedAt = ?", now)
	}

	err = update.RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	return nil
}

// Query returns deployments of app to cluster, newest first. A positive
// limit caps the number of records returned.
func (d *DAO) Query(ctx context.Context, cluster, app string, limit int) ([]Record, error) {
	var records []Record

	err := d.table.Query("#PK = ?", NewPK(cluster, app).String()).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}

	// KSUIDs sort by creation time
	sort.Slice(records, func(i, j int) bool {
		return records[i].SK > records[j].SK
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

// Delete removes a deployment record
func (d *DAO) Delete(ctx context.Context, id ID) error {
	cluster, app, deploymentID, err := ParseID(id)
	if err != nil {
		return err
	}

	err = d.table.Delete(NewPK(cluster, app).String()).
		Range(deploymentID).
		RunWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}

	return nil
}
