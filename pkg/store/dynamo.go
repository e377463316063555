package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// userIndex is the GSI on the join info table keyed by user_id.
const userIndex = "UserIndex"

// DynamoStore is a HistoryStore backed by DynamoDB. Table names are the
// configured prefix plus Channel, JoinInfo, Message, WithdrawalLog and
// UsageLog. The join info table is hash-keyed by channel with user_id as
// range key and a UserIndex GSI; the message table is hash-keyed by
// channel with published_at as range key.
type DynamoStore struct {
	client dynamodbiface.DynamoDBAPI
	prefix string
}

// NewDynamoStore creates a store talking to DynamoDB in the given region.
func NewDynamoStore(region, prefix string) (*DynamoStore, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &DynamoStore{client: dynamodb.New(sess), prefix: prefix}, nil
}

// NewDynamoStoreWithClient wires an existing client, used by tests.
func NewDynamoStoreWithClient(client dynamodbiface.DynamoDBAPI, prefix string) *DynamoStore {
	return &DynamoStore{client: client, prefix: prefix}
}

func (d *DynamoStore) table(name string) *string {
	return aws.String(d.prefix + name)
}

type dynamoChannel struct {
	Name        string `dynamodbav:"name"`
	IsGroupChat bool   `dynamodbav:"is_group_chat"`
}

type dynamoJoinInfo struct {
	Channel    string  `dynamodbav:"channel"`
	UserID     string  `dynamodbav:"user_id"`
	JoinedAt   float64 `dynamodbav:"joined_at"`
	LastReadAt float64 `dynamodbav:"last_read_at"`
	LastSentAt float64 `dynamodbav:"last_sent_at"`
}

type dynamoMessage struct {
	Channel     string  `dynamodbav:"channel"`
	PublishedAt float64 `dynamodbav:"published_at"`
	Writer      string  `dynamodbav:"writer"`
	Type        string  `dynamodbav:"type"`
	Message     string  `dynamodbav:"message"`
}

func (d *DynamoStore) CreateChannelWithMembers(ctx context.Context, name string, userIDs []string, isGroupChat bool) (*Channel, []JoinInfo, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	chItem, err := dynamodbattribute.MarshalMap(dynamoChannel{Name: name, IsGroupChat: isGroupChat})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal channel: %w", err)
	}

	// A channel plus its initial members commit as one transaction.
	items := []*dynamodb.TransactWriteItem{{
		Put: &dynamodb.Put{TableName: d.table("Channel"), Item: chItem},
	}}

	infos := make([]JoinInfo, 0, len(userIDs))
	for _, id := range userIDs {
		info := JoinInfo{Channel: name, UserID: id, JoinedAt: now}
		item, err := dynamodbattribute.MarshalMap(dynamoJoinInfo(info))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal join info: %w", err)
		}
		items = append(items, &dynamodb.TransactWriteItem{
			Put: &dynamodb.Put{TableName: d.table("JoinInfo"), Item: item},
		})
		infos = append(infos, info)
	}

	_, err = d.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return &Channel{Name: name, IsGroupChat: isGroupChat}, infos, nil
}

func (d *DynamoStore) GetChannel(ctx context.Context, name string) (*Channel, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: d.table("Channel"),
		Key: map[string]*dynamodb.AttributeValue{
			"name": {S: aws.String(name)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var ch dynamoChannel
	if err := dynamodbattribute.UnmarshalMap(out.Item, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
	}
	return &Channel{Name: ch.Name, IsGroupChat: ch.IsGroupChat}, nil
}

func (d *DynamoStore) BatchGetChannels(ctx context.Context, names []string) (map[string]*Channel, error) {
	out := make(map[string]*Channel, len(names))
	if len(names) == 0 {
		return out, nil
	}

	keys := make([]map[string]*dynamodb.AttributeValue, 0, len(names))
	for _, name := range names {
		keys = append(keys, map[string]*dynamodb.AttributeValue{
			"name": {S: aws.String(name)},
		})
	}

	table := aws.StringValue(d.table("Channel"))
	resp, err := d.client.BatchGetItemWithContext(ctx, &dynamodb.BatchGetItemInput{
		RequestItems: map[string]*dynamodb.KeysAndAttributes{
			table: {Keys: keys},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to batch get channels: %w", err)
	}

	for _, item := range resp.Responses[table] {
		var ch dynamoChannel
		if err := dynamodbattribute.UnmarshalMap(item, &ch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
		}
		out[ch.Name] = &Channel{Name: ch.Name, IsGroupChat: ch.IsGroupChat}
	}
	return out, nil
}

func (d *DynamoStore) JoinInfosByUser(ctx context.Context, userID string) ([]JoinInfo, error) {
	out, err := d.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              d.table("JoinInfo"),
		IndexName:              aws.String(userIndex),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":uid": {S: aws.String(userID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query join infos by user: %w", err)
	}
	return unmarshalJoinInfos(out.Items)
}

func (d *DynamoStore) JoinInfosByChannel(ctx context.Context, channel string) ([]JoinInfo, error) {
	out, err := d.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              d.table("JoinInfo"),
		KeyConditionExpression: aws.String("channel = :ch"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":ch": {S: aws.String(channel)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query join infos by channel: %w", err)
	}
	return unmarshalJoinInfos(out.Items)
}

func unmarshalJoinInfos(items []map[string]*dynamodb.AttributeValue) ([]JoinInfo, error) {
	infos := make([]JoinInfo, 0, len(items))
	for _, item := range items {
		var info dynamoJoinInfo
		if err := dynamodbattribute.UnmarshalMap(item, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal join info: %w", err)
		}
		infos = append(infos, JoinInfo(info))
	}
	return infos, nil
}

func (d *DynamoStore) GetJoinInfo(ctx context.Context, channel, userID string) (*JoinInfo, error) {
	out, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: d.table("JoinInfo"),
		Key: map[string]*dynamodb.AttributeValue{
			"channel": {S: aws.String(channel)},
			"user_id": {S: aws.String(userID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get join info: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var info dynamoJoinInfo
	if err := dynamodbattribute.UnmarshalMap(out.Item, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal join info: %w", err)
	}
	result := JoinInfo(info)
	return &result, nil
}

func (d *DynamoStore) PutJoinInfo(ctx context.Context, info *JoinInfo) error {
	item, err := dynamodbattribute.MarshalMap(dynamoJoinInfo(*info))
	if err != nil {
		return fmt.Errorf("failed to marshal join info: %w", err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: d.table("JoinInfo"),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put join info: %w", err)
	}
	return nil
}

func (d *DynamoStore) DeleteJoinInfo(ctx context.Context, channel, userID string) error {
	_, err := d.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: d.table("JoinInfo"),
		Key: map[string]*dynamodb.AttributeValue{
			"channel": {S: aws.String(channel)},
			"user_id": {S: aws.String(userID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete join info: %w", err)
	}
	return nil
}

func (d *DynamoStore) PutWithdrawalLog(ctx context.Context, log *WithdrawalLog) error {
	item, err := dynamodbattribute.MarshalMap(log)
	if err != nil {
		return fmt.Errorf("failed to marshal withdrawal log: %w", err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: d.table("WithdrawalLog"),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put withdrawal log: %w", err)
	}
	return nil
}

func (d *DynamoStore) PutUsageLog(ctx context.Context, log *UsageLog) error {
	item, err := dynamodbattribute.MarshalMap(log)
	if err != nil {
		return fmt.Errorf("failed to marshal usage log: %w", err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: d.table("UsageLog"),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put usage log: %w", err)
	}
	return nil
}

func (d *DynamoStore) PutMessage(ctx context.Context, msg *Message) error {
	item, err := dynamodbattribute.MarshalMap(dynamoMessage(*msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: d.table("Message"),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	return nil
}

func (d *DynamoStore) QueryMessages(ctx context.Context, channel string, q MessageQuery) ([]Message, error) {
	cond := "channel = :ch"
	values := map[string]*dynamodb.AttributeValue{
		":ch": {S: aws.String(channel)},
	}
	if q.Before != nil {
		cond += " AND published_at <= :before"
		values[":before"] = numberAttr(*q.Before)
	}
	if q.After != nil {
		cond += " AND published_at > :after"
		values[":after"] = numberAttr(*q.After)
	}

	input := &dynamodb.QueryInput{
		TableName:                 d.table("Message"),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(!q.NewestFirst),
	}
	if q.Limit > 0 {
		input.Limit = aws.Int64(int64(q.Limit))
	}

	out, err := d.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	msgs := make([]Message, 0, len(out.Items))
	for _, item := range out.Items {
		var msg dynamoMessage
		if err := dynamodbattribute.UnmarshalMap(item, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, Message(msg))
	}
	return msgs, nil
}

func (d *DynamoStore) CountMessages(ctx context.Context, channel string, after float64) (int, error) {
	out, err := d.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              d.table("Message"),
		KeyConditionExpression: aws.String("channel = :ch AND published_at > :after"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":ch":    {S: aws.String(channel)},
			":after": numberAttr(after),
		},
		Select: aws.String(dynamodb.SelectCount),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(aws.Int64Value(out.Count)), nil
}

func numberAttr(v float64) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{N: aws.String(strconv.FormatFloat(v, 'f', -1, 64))}
}

func (d *DynamoStore) Close() error {
	return nil
}
