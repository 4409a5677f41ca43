package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"messaging-core/internal/domain"
	"messaging-core/internal/pagination"
)

const (
	pkPrefixProfile = "PROFILE#"
	pkPrefixUser    = "USER#"
	pkPrefixConv    = "CONV#"
	skProfile       = "PROFILE"
	skPrefixConv    = "CONV#"
	skPrefixMsg     = "MSG#"

	// ActivityIndex is the local secondary index ordering a partition by
	// the numeric "activity" attribute: lastMessageTime for replicas,
	// createdUnixTime for messages.
	ActivityIndex = "ActivityIndex"
	attrActivity  = "activity"

	condNotExists = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
	condExists    = "attribute_exists(PK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores profiles, conversation replicas and messages in a single
// DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

type profileAttr struct {
	Username         string `dynamodbav:"username"`
	FirstName        string `dynamodbav:"firstName"`
	LastName         string `dynamodbav:"lastName"`
	ProfilePictureID string `dynamodbav:"profilePictureId"`
}

type profileItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	profileAttr
}

type replicaItem struct {
	PK              string        `dynamodbav:"PK"`
	SK              string        `dynamodbav:"SK"`
	Activity        int64         `dynamodbav:"activity"`
	ConversationID  string        `dynamodbav:"conversationId"`
	OwnerUsername   string        `dynamodbav:"ownerUsername"`
	Recipients      []profileAttr `dynamodbav:"recipients"`
	LastMessageTime int64         `dynamodbav:"lastMessageTime"`
}

type messageItem struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	Activity        int64  `dynamodbav:"activity"`
	MessageID       string `dynamodbav:"messageId"`
	ConversationID  string `dynamodbav:"conversationId"`
	SenderUsername  string `dynamodbav:"senderUsername"`
	Text            string `dynamodbav:"text"`
	CreatedUnixTime int64  `dynamodbav:"createdUnixTime"`
}

// profilePK returns the partition key of a profile record.
func profilePK(username string) string {
	return pkPrefixProfile + username
}

// userPK returns the partition holding every replica a user owns.
func userPK(username string) string {
	return pkPrefixUser + username
}

// convPK returns the partition holding every message of a conversation.
func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

func convSK(conversationID string) string {
	return skPrefixConv + conversationID
}

func msgSK(messageID string) string {
	return skPrefixMsg + messageID
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// ---- profiles ----

// CreateProfile writes a new profile record; an existing username fails
// with ALREADY_EXISTS.
func (c *Client) CreateProfile(ctx context.Context, p domain.Profile) error {
	item := profileItem{
		PK: profilePK(p.Username),
		SK: skProfile,
		profileAttr: profileAttr{
			Username:         p.Username,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			ProfilePictureID: p.ProfilePictureID,
		},
	}
	return c.putNew(ctx, item, "CreateProfile", "profile_exists")
}

func (c *Client) GetProfile(ctx context.Context, username string) (domain.Profile, error) {
	var item profileItem
	if err := c.getItem(ctx, profilePK(username), skProfile, &item, "GetProfile", "profile_not_found"); err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{
		Username:         item.Username,
		FirstName:        item.FirstName,
		LastName:         item.LastName,
		ProfilePictureID: item.ProfilePictureID,
	}, nil
}

func (c *Client) DeleteProfile(ctx context.Context, username string) error {
	return c.deleteItem(ctx, profilePK(username), skProfile, "DeleteProfile")
}

// ---- messages ----

func (c *Client) CreateMessage(ctx context.Context, m domain.Message) error {
	return c.putNew(ctx, newMessageItem(m), "CreateMessage", "message_exists")
}

func (c *Client) GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	var item messageItem
	if err := c.getItem(ctx, convPK(conversationID), msgSK(messageID), &item, "GetMessage", "message_not_found"); err != nil {
		return domain.Message{}, err
	}
	return item.toDomain(), nil
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.deleteItem(ctx, convPK(conversationID), msgSK(messageID), "DeleteMessage")
}

// ListMessages reads one page of a conversation, newest first, through
// the activity index.
func (c *Client) ListMessages(ctx context.Context, q pagination.Query) ([]domain.Message, *pagination.Cursor, error) {
	raw, err := c.queryActivity(ctx, convPK(q.Partition), skPrefixMsg, q, "ListMessages")
	if err != nil {
		return nil, nil, err
	}
	msgs := make([]domain.Message, 0, len(raw))
	for _, av := range raw {
		var item messageItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, nil, decodeError("ListMessages", err)
		}
		msgs = append(msgs, item.toDomain())
	}
	items, next := pagination.Trim(msgs, q.Limit, func(m domain.Message) pagination.Cursor {
		return pagination.Cursor{Sort: m.CreatedUnixTime, Key: m.MessageID}
	})
	return items, next, nil
}

func newMessageItem(m domain.Message) messageItem {
	return messageItem{
		PK:              convPK(m.ConversationID),
		SK:              msgSK(m.MessageID),
		Activity:        m.CreatedUnixTime,
		MessageID:       m.MessageID,
		ConversationID:  m.ConversationID,
		SenderUsername:  m.SenderUsername,
		Text:            m.Text,
		CreatedUnixTime: m.CreatedUnixTime,
	}
}

func (i messageItem) toDomain() domain.Message {
	return domain.Message{
		MessageID:       i.MessageID,
		ConversationID:  i.ConversationID,
		SenderUsername:  i.SenderUsername,
		Text:            i.Text,
		CreatedUnixTime: i.CreatedUnixTime,
	}
}

// ---- conversation replicas ----

func (c *Client) CreateReplica(ctx context.Context, r domain.ConversationReplica) error {
	return c.putNew(ctx, newReplicaItem(r), "CreateReplica", "replica_exists")
}

func (c *Client) GetReplica(ctx context.Context, owner, conversationID string) (domain.ConversationReplica, error) {
	var item replicaItem
	if err := c.getItem(ctx, userPK(owner), convSK(conversationID), &item, "GetReplica", "replica_not_found"); err != nil {
		return domain.ConversationReplica{}, err
	}
	return item.toDomain(), nil
}

// ReplaceReplica overwrites an existing replica. The write is conditional
// so a replica deleted since it was read is not resurrected.
func (c *Client) ReplaceReplica(ctx context.Context, r domain.ConversationReplica) error {
	av, err := attributevalue.MarshalMap(newReplicaItem(r))
	if err != nil {
		return fmt.Errorf("repository: ReplaceReplica marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                av,
		ConditionExpression: aws.String(condExists),
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.NotFound("replica_not_found")
		}
		return storeError("ReplaceReplica", err)
	}
	return nil
}

func (c *Client) DeleteReplica(ctx context.Context, owner, conversationID string) error {
	return c.deleteItem(ctx, userPK(owner), convSK(conversationID), "DeleteReplica")
}

// ListReplicas reads one page of a user's conversations, most recently
// active first.
func (c *Client) ListReplicas(ctx context.Context, q pagination.Query) ([]domain.ConversationReplica, *pagination.Cursor, error) {
	raw, err := c.queryActivity(ctx, userPK(q.Partition), skPrefixConv, q, "ListReplicas")
	if err != nil {
		return nil, nil, err
	}
	replicas := make([]domain.ConversationReplica, 0, len(raw))
	for _, av := range raw {
		var item replicaItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, nil, decodeError("ListReplicas", err)
		}
		replicas = append(replicas, item.toDomain())
	}
	items, next := pagination.Trim(replicas, q.Limit, func(r domain.ConversationReplica) pagination.Cursor {
		return pagination.Cursor{Sort: r.LastMessageTime, Key: r.ConversationID}
	})
	return items, next, nil
}

func newReplicaItem(r domain.ConversationReplica) replicaItem {
	recipients := make([]profileAttr, 0, len(r.Recipients))
	for _, p := range r.Recipients {
		recipients = append(recipients, profileAttr{
			Username:         p.Username,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			ProfilePictureID: p.ProfilePictureID,
		})
	}
	return replicaItem{
		PK:              userPK(r.OwnerUsername),
		SK:              convSK(r.ConversationID),
		Activity:        r.LastMessageTime,
		ConversationID:  r.ConversationID,
		OwnerUsername:   r.OwnerUsername,
		Recipients:      recipients,
		LastMessageTime: r.LastMessageTime,
	}
}

func (i replicaItem) toDomain() domain.ConversationReplica {
	recipients := make([]domain.Profile, 0, len(i.Recipients))
	for _, p := range i.Recipients {
		recipients = append(recipients, domain.Profile{
			Username:         p.Username,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			ProfilePictureID: p.ProfilePictureID,
		})
	}
	return domain.ConversationReplica{
		ConversationID:  i.ConversationID,
		OwnerUsername:   i.OwnerUsername,
		Recipients:      recipients,
		LastMessageTime: i.LastMessageTime,
	}
}

// ---- shared helpers ----

func (c *Client) putNew(ctx context.Context, item any, op, existsReason string) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("repository: %s marshal: %w", op, err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                av,
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.AlreadyExists(existsReason)
		}
		return storeError(op, err)
	}
	return nil
}

func (c *Client) getItem(ctx context.Context, pk, sk string, out any, op, missingReason string) error {
	res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return storeError(op, err)
	}
	if res == nil || len(res.Item) == 0 {
		return domain.NotFound(missingReason)
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return decodeError(op, err)
	}
	return nil
}

func (c *Client) deleteItem(ctx context.Context, pk, sk, op string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       keyOf(pk, sk),
	})
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

// queryActivity reads q.Limit+1 items of partition pk with activity >
// q.Since, newest first. DynamoDB may stop a page early at its 1 MB cap, so
// it keeps following LastEvaluatedKey until it has enough items.
func (c *Client) queryActivity(ctx context.Context, pk, skPrefix string, q pagination.Query, op string) ([]map[string]types.AttributeValue, error) {
	want := q.Limit + 1
	start := startKey(pk, skPrefix, q.After)
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(ActivityIndex),
			KeyConditionExpression: aws.String("PK = :pk AND #activity > :since"),
			ExpressionAttributeNames: map[string]string{
				"#activity": attrActivity,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":    &types.AttributeValueMemberS{Value: pk},
				":since": &types.AttributeValueMemberN{Value: strconv.FormatInt(q.Since, 10)},
			},
			ScanIndexForward:  aws.Bool(false),
			ConsistentRead:    aws.Bool(true),
			Limit:             aws.Int32(int32(want - len(items))),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, storeError(op, err)
		}
		items = append(items, out.Items...)
		if len(items) >= want || len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = out.LastEvaluatedKey
	}
}

// startKey rebuilds the index key of the last item already returned. The
// partition is fixed by the query, so the cursor only needs sort and key.
func startKey(pk, skPrefix string, c *pagination.Cursor) map[string]types.AttributeValue {
	if c == nil {
		return nil
	}
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pk},
		"SK":         &types.AttributeValueMemberS{Value: skPrefix + c.Key},
		attrActivity: &types.AttributeValueMemberN{Value: strconv.FormatInt(c.Sort, 10)},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// storeError turns any other DynamoDB failure into UNAVAILABLE so SDK
// types never leave this package.
func storeError(op string, err error) error {
	code := "unknown"
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	return domain.Unavailable("dynamodb_unavailable", fmt.Errorf("repository: %s (%s): %w", op, code, err))
}

func decodeError(op string, err error) error {
	return domain.Unavailable("dynamodb_decode", fmt.Errorf("repository: %s unmarshal: %w", op, err))
}
