package metastore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/keytower/keytower"
)

type mockDynamoDBClient struct {
	mock.Mock
}

func (m *mockDynamoDBClient) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (m *mockDynamoDBClient) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*dynamodb.PutItemOutput), args.Error(1)
}

func (m *mockDynamoDBClient) QueryWithContext(ctx aws.Context, input *dynamodb.QueryInput, opts ...request.Option) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, input, opts)
	return args.Get(0).(*dynamodb.QueryOutput), args.Error(1)
}

func newTestDynamoDB(t *testing.T, client DynamoDBClientAPI) *DynamoDB {
	t.Helper()

	sess, err := session.NewSession(&aws.Config{Region: aws.String("us-west-2")})
	require.NoError(t, err)

	return NewDynamoDB(sess, WithClient(client))
}

func dummyItem() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"KeyRecord": {
			M: map[string]*dynamodb.AttributeValue{
				"Key":     {S: aws.String("YmFzZTY0")},
				"Created": {N: aws.String("1234567890")},
				"ParentKeyMeta": {
					M: map[string]*dynamodb.AttributeValue{
						"KeyId":   {S: aws.String("parentKeyId")},
						"Created": {N: aws.String("1234567889")},
					},
				},
			},
		},
	}
}

func TestDynamoDB_Load(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDBClient)
	db := newTestDynamoDB(t, client)

	client.On("GetItemWithContext", ctx, mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{Item: dummyItem()}, nil)

	record, err := db.Load(ctx, "testKey", 1234567890)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "testKey", record.ID)
	assert.Equal(t, int64(1234567890), record.Created)
	assert.Equal(t, []byte("base64"), record.EncryptedKey)
	require.NotNil(t, record.ParentKeyMeta)
	assert.Equal(t, "parentKeyId", record.ParentKeyMeta.ID)
	assert.Equal(t, int64(1234567889), record.ParentKeyMeta.Created)

	client.AssertExpectations(t)
}

func TestDynamoDB_LoadMissing(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDBClient)
	db := newTestDynamoDB(t, client)

	client.On("GetItemWithContext", ctx, mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{}, nil)

	record, err := db.Load(ctx, "testKey", 1234567890)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestDynamoDB_LoadLatest(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDBClient)
	db := newTestDynamoDB(t, client)

	client.On("QueryWithContext", ctx, mock.Anything, mock.Anything).
		Return(&dynamodb.QueryOutput{Items: []map[string]*dynamodb.AttributeValue{dummyItem()}}, nil)

	record, err := db.LoadLatest(ctx, "testKey")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "parentKeyId", record.ParentKeyMeta.ID)
}

func TestDynamoDB_Store(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDBClient)
	db := newTestDynamoDB(t, client)

	client.On("PutItemWithContext", ctx, mock.Anything, mock.Anything).Return(&dynamodb.PutItemOutput{}, nil)

	record := &keytower.EnvelopeKeyRecord{
		Created:      1234567890,
		EncryptedKey: []byte("base64"),
		ParentKeyMeta: &keytower.KeyMeta{
			ID:      "parentKeyId",
			Created: 1234567889,
		},
	}

	ok, err := db.Store(ctx, "testKey", 1234567890, record)
	require.NoError(t, err)
	assert.True(t, ok)

	client.AssertExpectations(t)
}

func awserrConditionalCheckFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "conditional check failed", nil)
}

func TestDynamoDB_StoreConditionalFailureReturnsFalse(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDBClient)
	db := newTestDynamoDB(t, client)

	awsErr := awserrConditionalCheckFailed()
	client.On("PutItemWithContext", ctx, mock.Anything, mock.Anything).Return(&dynamodb.PutItemOutput{}, awsErr)

	ok, err := db.Store(ctx, "testKey", 1234567890, &keytower.EnvelopeKeyRecord{Created: 1234567890})
	require.NoError(t, err)
	assert.False(t, ok)
}
