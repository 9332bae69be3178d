package metastore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/keytower/keytower"
)

const (
	defaultTableName  = "EncryptionKey"
	partitionKey      = "Id"
	sortKey           = "Created"
	keyRecordAttrName = "KeyRecord"
)

var (
	loadDynamoDBTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.load", keytower.MetricsPrefix), nil)
	loadLatestDynamoDBTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.loadlatest", keytower.MetricsPrefix), nil)
	storeDynamoDBTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.dynamodb.store", keytower.MetricsPrefix), nil)
)

// ConfigProvider aliases the AWS SDK's session/config provider interface.
type ConfigProvider = client.ConfigProvider

// DynamoDBClientAPI is the subset of the DynamoDB client this metastore
// calls, narrowed for testability.
type DynamoDBClientAPI interface {
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
	QueryWithContext(aws.Context, *dynamodb.QueryInput, ...request.Option) (*dynamodb.QueryOutput, error)
}

// DynamoDB implements Metastore atop AWS DynamoDB, with optional
// region-suffixed partitioning for global-table deployments.
type DynamoDB struct {
	svc          DynamoDBClientAPI
	regionSuffix string
	tableName    string
}

// GetRegionSuffix returns the configured region suffix, or "" if disabled.
// SessionFactory type-asserts for this method to decide whether to mint
// region-suffixed partitions.
func (d *DynamoDB) GetRegionSuffix() string {
	return d.regionSuffix
}

// GetTableName returns the DynamoDB table name in use.
func (d *DynamoDB) GetTableName() string {
	return d.tableName
}

// GetClient returns the underlying DynamoDB client.
func (d *DynamoDB) GetClient() DynamoDBClientAPI {
	return d.svc
}

// DynamoDBOption configures a DynamoDB metastore.
type DynamoDBOption func(d *DynamoDB, p ConfigProvider)

// WithRegionSuffix appends the session's configured region to every key id
// written, avoiding write conflicts under DynamoDB global tables'
// last-writer-wins conflict resolution.
func WithRegionSuffix(enabled bool) DynamoDBOption {
	return func(d *DynamoDB, p ConfigProvider) {
		if enabled {
			cfg := p.ClientConfig(dynamodb.EndpointsID)
			d.regionSuffix = *cfg.Config.Region
		}
	}
}

// WithTableName overrides the default table name ("EncryptionKey").
func WithTableName(table string) DynamoDBOption {
	return func(d *DynamoDB, _ ConfigProvider) {
		if len(table) > 0 {
			d.tableName = table
		}
	}
}

// WithClient overrides the DynamoDB client, primarily for tests.
func WithClient(c DynamoDBClientAPI) DynamoDBOption {
	return func(d *DynamoDB, _ ConfigProvider) {
		d.svc = c
	}
}

// NewDynamoDB returns a DynamoDB metastore using sess, applying opts in order.
func NewDynamoDB(sess ConfigProvider, opts ...DynamoDBOption) *DynamoDB {
	d := &DynamoDB{
		svc:       dynamodb.New(sess),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		opt(d, sess)
	}

	return d
}

// envelope is the DynamoDB wire shape for an EnvelopeKeyRecord, kept
// separate from keytower.EnvelopeKeyRecord (whose tags target the JSON
// wire contract in other metastores) since the attribute marshaler needs
// its own tag namespace and EncryptedKey base64-encoded: the marshaler
// otherwise treats a Go []byte as DynamoDB's native binary (B) type, and
// this module prefers a portable string attribute over that.
type envelope struct {
	Revoked       bool     `dynamodbav:"Revoked,omitempty"`
	Created       int64    `dynamodbav:"Created"`
	EncryptedKey  string   `dynamodbav:"Key"`
	ParentKeyMeta *keyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

type keyMeta struct {
	ID      string `dynamodbav:"KeyId"`
	Created int64  `dynamodbav:"Created"`
}

func parseResult(id string, av *dynamodb.AttributeValue) (*keytower.EnvelopeKeyRecord, error) {
	var en envelope
	if err := dynamodbattribute.Unmarshal(av, &en); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	encKey, err := base64.StdEncoding.DecodeString(en.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key: %w", err)
	}

	var parent *keytower.KeyMeta
	if en.ParentKeyMeta != nil {
		parent = &keytower.KeyMeta{ID: en.ParentKeyMeta.ID, Created: en.ParentKeyMeta.Created}
	}

	return &keytower.EnvelopeKeyRecord{
		ID:            id,
		Revoked:       en.Revoked,
		Created:       en.Created,
		EncryptedKey:  encKey,
		ParentKeyMeta: parent,
	}, nil
}

// Load returns the record for (id, created), or nil if absent.
func (d *DynamoDB) Load(ctx context.Context, id string, created int64) (*keytower.EnvelopeKeyRecord, error) {
	defer loadDynamoDBTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttrName))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]*dynamodb.AttributeValue{
			partitionKey: {S: &id},
			sortKey:      {N: aws.String(strconv.FormatInt(created, 10))},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore error: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return parseResult(id, res.Item[keyRecordAttrName])
}

// LoadLatest returns the newest record matching id, or nil if none exists.
func (d *DynamoDB) LoadLatest(ctx context.Context, id string) (*keytower.EnvelopeKeyRecord, error) {
	defer loadLatestDynamoDBTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKey).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordAttrName))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	// Query, not GetItem, to get Limit + descending sort on the composite key.
	res, err := d.svc.QueryWithContext(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int64(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, err
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return parseResult(id, res.Items[0][keyRecordAttrName])
}

// Store attempts to insert record iff (id, created) doesn't already exist,
// using a conditional write on the partition key to detect the duplicate.
func (d *DynamoDB) Store(ctx context.Context, id string, created int64, record *keytower.EnvelopeKeyRecord) (bool, error) {
	defer storeDynamoDBTimer.UpdateSince(time.Now())

	var parent *keyMeta
	if record.ParentKeyMeta != nil {
		parent = &keyMeta{ID: record.ParentKeyMeta.ID, Created: record.ParentKeyMeta.Created}
	}

	en := &envelope{
		Revoked:       record.Revoked,
		Created:       record.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(record.EncryptedKey),
		ParentKeyMeta: parent,
	}

	av, err := dynamodbattribute.MarshalMap(en)
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = d.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item: map[string]*dynamodb.AttributeValue{
			partitionKey:      {S: &id},
			sortKey:           {N: aws.String(strconv.FormatInt(created, 10))},
			keyRecordAttrName: {M: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKey + ")"),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return false, nil
		}

		return false, fmt.Errorf("error storing key: %s, %d: %w", id, created, err)
	}

	return true, nil
}

var _ keytower.Metastore = (*DynamoDB)(nil)
