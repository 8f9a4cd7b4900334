package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-orchestrator/internal/domain"
)

const (
	// DefaultTsIndex is the local secondary index ordering a partition by _ts.
	DefaultTsIndex = "principal_id-ts-index"

	// queryPageSize bounds each DynamoDB read while paging toward skip+limit.
	queryPageSize = 100

	activeFilter = "(attribute_not_exists(isDeleted) OR isDeleted = :false)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores conversation documents in a DynamoDB table partitioned by
// principal_id with id as the range key.
type Client struct {
	api       dynamodbAPI
	tableName string
	tsIndex   string
	now       func() time.Time
}

type Option func(*Client)

// WithTsIndex overrides the name of the _ts ordered local secondary index.
func WithTsIndex(name string) Option {
	return func(c *Client) {
		if name = strings.TrimSpace(name); name != "" {
			c.tsIndex = name
		}
	}
}

// WithClock replaces the clock used to stamp lastUpdated and _ts.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, tsIndex: DefaultTsIndex, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get reads a conversation by id within the given partition. A missing item,
// including one stored under a different partition, reports found=false.
func (c *Client) Get(ctx context.Context, id, partitionKey string) (domain.Conversation, bool, error) {
	if id == "" || partitionKey == "" {
		return domain.Conversation{}, false, nil
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            conversationKey(partitionKey, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: Get decode: %w", err)
	}
	return conv, true, nil
}

// Create writes a new conversation under id and partitionKey. It fails if the
// item already exists.
func (c *Client) Create(ctx context.Context, id string, body domain.Conversation, partitionKey string) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(partitionKey) == "" {
		return domain.Conversation{}, errors.New("repository: Create: id and partition key are required")
	}
	conv := body.Clone()
	conv.ID = id
	conv.PrincipalID = partitionKey
	now := c.now()
	conv.LastUpdated = nextStamp(now, time.Time{})
	conv.Ts = now.Unix()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	return conv, nil
}

// Update replaces an existing conversation in full. There is no version check:
// the last writer wins.
func (c *Client) Update(ctx context.Context, doc domain.Conversation) (domain.Conversation, error) {
	if doc.ID == "" || doc.PrincipalID == "" {
		return domain.Conversation{}, errors.New("repository: Update: id and principal_id are required")
	}
	conv := doc.Clone()
	conv.LastUpdated = nextStamp(c.now(), doc.LastUpdated)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Update: %w", err)
	}
	return conv, nil
}

// Query returns one page of a principal's active conversations, newest first.
// DynamoDB has no OFFSET, so filtered matches are counted across index pages
// until skip+limit have been seen or the partition is exhausted.
func (c *Client) Query(ctx context.Context, q domain.ConversationQuery) ([]domain.ConversationSummary, error) {
	if q.PrincipalID == "" {
		return nil, errors.New("repository: Query: principal_id is required")
	}
	if q.Skip < 0 || q.Limit < 0 {
		return nil, errors.New("repository: Query: skip and limit must not be negative")
	}
	if q.Limit == 0 {
		return []domain.ConversationSummary{}, nil
	}

	filter := activeFilter
	values := map[string]types.AttributeValue{
		":pid":   &types.AttributeValueMemberS{Value: q.PrincipalID},
		":false": &types.AttributeValueMemberBOOL{Value: false},
	}
	if q.Name != "" {
		filter += " AND contains(#name, :name)"
		values[":name"] = &types.AttributeValueMemberS{Value: q.Name}
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(c.tsIndex),
		KeyConditionExpression: aws.String("principal_id = :pid"),
		FilterExpression:       aws.String(filter),
		ProjectionExpression:   aws.String("id, #name, #ts, lastUpdated"),
		ExpressionAttributeNames: map[string]string{
			"#name": attrName,
			"#ts":   attrTs,
		},
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(queryPageSize),
	}

	page := make([]domain.ConversationSummary, 0, q.Limit)
	skipped := 0
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Query: %w", err)
		}
		if out == nil {
			return page, nil
		}
		for _, item := range out.Items {
			if skipped < q.Skip {
				skipped++
				continue
			}
			summary, err := itemToSummary(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Query decode: %w", err)
			}
			page = append(page, summary)
			if len(page) == q.Limit {
				return page, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return page, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func conversationKey(partitionKey, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPrincipal: &types.AttributeValueMemberS{Value: partitionKey},
		attrID:        &types.AttributeValueMemberS{Value: id},
	}
}
