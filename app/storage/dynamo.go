package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	e "nuclight.org/chat-archiver/pkg/entities"
	"nuclight.org/chat-archiver/pkg/rawcodec"
)

// DynamoAPI is the part of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo stores messages and invites in DynamoDB.
//
// Expected schema:
//   - MessagesTable: partition key chatId (S), sort key msgId (S)
//   - InvitesTable: partition key inviteLink (S), global secondary index
//     StatusIndex with partition key status (S) and sort key createdAt (S)
type Dynamo struct {
	Client        DynamoAPI
	MessagesTable string
	InvitesTable  string
	StatusIndex   string

	// Now stamps createdAt of new invites, defaults to time.Now
	Now func() time.Time
}

type DynamoConfig struct {
	Region        string
	MessagesTable string
	InvitesTable  string
	StatusIndex   string
}

func NewDynamo(ctx context.Context, cfg DynamoConfig) (*Dynamo, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &Dynamo{
		Client:        dynamodb.NewFromConfig(awsCfg),
		MessagesTable: cfg.MessagesTable,
		InvitesTable:  cfg.InvitesTable,
		StatusIndex:   cfg.StatusIndex,
	}, nil
}

type messageItem struct {
	ChatID       string    `dynamodbav:"chatId"`
	MsgID        string    `dynamodbav:"msgId"`
	ChatName     string    `dynamodbav:"chatName"`
	SenderID     string    `dynamodbav:"senderId"`
	SenderName   string    `dynamodbav:"senderName"`
	SenderNumber string    `dynamodbav:"senderNumber"`
	IsFromMe     bool      `dynamodbav:"isFromMe"`
	IsGroupMsg   bool      `dynamodbav:"isGroupMsg"`
	HasMedia     bool      `dynamodbav:"hasMedia"`
	Type         string    `dynamodbav:"type"`
	Timestamp    int64     `dynamodbav:"timestamp"`
	ProcessedAt  time.Time `dynamodbav:"processedAt"`
	Body         string    `dynamodbav:"body"`
	QuotedMsgID  *string   `dynamodbav:"quotedMsgId"`
	Raw          []byte    `dynamodbav:"raw,omitempty"`
}

type inviteItem struct {
	InviteLink   string     `dynamodbav:"inviteLink"`
	Status       string     `dynamodbav:"status"`
	LastAttempt  *time.Time `dynamodbav:"lastAttempt"`
	ErrorMessage *string    `dynamodbav:"errorMessage"`
	CreatedAt    time.Time  `dynamodbav:"createdAt"`
}

func toMessageItem(msg e.Message) messageItem {
	return messageItem{
		ChatID:       msg.ChatID,
		MsgID:        msg.MsgID,
		ChatName:     msg.ChatName,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderNumber: msg.SenderNumber,
		IsFromMe:     msg.IsFromMe,
		IsGroupMsg:   msg.IsGroupMsg,
		HasMedia:     msg.HasMedia,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		ProcessedAt:  msg.ProcessedAt.UTC(),
		Body:         msg.Body,
		QuotedMsgID:  msg.QuotedMsgID,
		Raw:          rawcodec.Compress(msg.Raw),
	}
}

func (item messageItem) toMessage() (e.Message, error) {
	raw, err := rawcodec.Decompress(item.Raw)
	if err != nil {
		return e.Message{}, err
	}

	return e.Message{
		ChatID:       item.ChatID,
		MsgID:        item.MsgID,
		ChatName:     item.ChatName,
		SenderID:     item.SenderID,
		SenderName:   item.SenderName,
		SenderNumber: item.SenderNumber,
		IsFromMe:     item.IsFromMe,
		IsGroupMsg:   item.IsGroupMsg,
		HasMedia:     item.HasMedia,
		Type:         e.MessageType(item.Type),
		Timestamp:    item.Timestamp,
		ProcessedAt:  item.ProcessedAt,
		Body:         item.Body,
		QuotedMsgID:  item.QuotedMsgID,
		Raw:          raw,
	}, nil
}

func (item inviteItem) toInvite() e.Invite {
	return e.Invite{
		Link:         item.InviteLink,
		Status:       e.InviteStatus(item.Status),
		LastAttempt:  item.LastAttempt,
		ErrorMessage: item.ErrorMessage,
	}
}

// ArchiveMessage puts msg under the condition that its key does not exist. A
// failed condition is a duplicate, not an error.
func (d *Dynamo) ArchiveMessage(ctx context.Context, msg e.Message) (bool, error) {
	item, err := attributevalue.MarshalMap(toMessageItem(msg))
	if err != nil {
		return false, archivalError("marshalling message", err)
	}

	_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.MessagesTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(chatId) AND attribute_not_exists(msgId)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, archivalError("putting message", err)
	}

	return true, nil
}

// GetMessage returns nil if the message is not archived.
func (d *Dynamo) GetMessage(ctx context.Context, chatID, msgID string) (*e.Message, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.MessagesTable),
		Key: map[string]types.AttributeValue{
			"chatId": &types.AttributeValueMemberS{Value: chatID},
			"msgId":  &types.AttributeValueMemberS{Value: msgID},
		},
	})
	if err != nil {
		return nil, archivalError("getting message", err)
	}

	if out.Item == nil {
		return nil, nil
	}

	var item messageItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, archivalError("unmarshalling message", err)
	}

	msg, err := item.toMessage()
	if err != nil {
		return nil, archivalError("decoding raw payload", err)
	}

	return &msg, nil
}

// AddInvite puts a pending invite unless the link is already known.
func (d *Dynamo) AddInvite(ctx context.Context, link string) (bool, error) {
	item, err := attributevalue.MarshalMap(inviteItem{
		InviteLink: link,
		Status:     string(e.InviteStatusPending),
		CreatedAt:  d.now().UTC(),
	})
	if err != nil {
		return false, archivalError("marshalling invite", err)
	}

	_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.InvitesTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(inviteLink)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, archivalError("putting invite", err)
	}

	return true, nil
}

// FetchOnePendingInvite returns the oldest pending invite by createdAt, or nil.
func (d *Dynamo) FetchOnePendingInvite(ctx context.Context) (*e.Invite, error) {
	out, err := d.Client.Query(ctx, d.statusQuery(e.InviteStatusPending, 1))
	if err != nil {
		return nil, archivalError("querying pending invites", err)
	}

	if len(out.Items) == 0 {
		return nil, nil
	}

	var item inviteItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, archivalError("unmarshalling invite", err)
	}

	inv := item.toInvite()
	return &inv, nil
}

// UpdateInviteStatus overwrites the status fields of the invite identified by
// link.
func (d *Dynamo) UpdateInviteStatus(ctx context.Context, link string, status e.InviteStatus, errorMessage *string, lastAttempt time.Time) error {
	values, err := attributevalue.MarshalMap(map[string]any{
		":status":       string(status),
		":errorMessage": errorMessage,
		":lastAttempt":  lastAttempt.UTC(),
	})
	if err != nil {
		return archivalError("marshalling invite update", err)
	}

	_, err = d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.InvitesTable),
		Key:                       inviteKey(link),
		UpdateExpression:          aws.String("SET #status = :status, errorMessage = :errorMessage, lastAttempt = :lastAttempt"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return archivalError("updating invite", err)
	}

	return nil
}

// RequeueFailedInvites moves failed invites back to pending. Invites that
// changed status in the meantime are left alone.
func (d *Dynamo) RequeueFailedInvites(ctx context.Context) (int64, error) {
	failed, err := d.ListInvites(ctx, e.InviteStatusFailed)
	if err != nil {
		return 0, err
	}

	var requeued int64
	for _, inv := range failed {
		_, err := d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(d.InvitesTable),
			Key:                      inviteKey(inv.Link),
			UpdateExpression:         aws.String("SET #status = :pending"),
			ConditionExpression:      aws.String("#status = :failed"),
			ExpressionAttributeNames: map[string]string{"#status": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(e.InviteStatusPending)},
				":failed":  &types.AttributeValueMemberS{Value: string(e.InviteStatusFailed)},
			},
		})
		if err != nil {
			if isConditionFailed(err) {
				continue
			}
			return requeued, archivalError("requeueing invite", err)
		}
		requeued++
	}

	return requeued, nil
}

// ListInvites lists invites with the given status, or all of them when
// status is empty.
func (d *Dynamo) ListInvites(ctx context.Context, status e.InviteStatus) ([]e.Invite, error) {
	var invites []e.Invite

	collect := func(items []map[string]types.AttributeValue) error {
		for _, raw := range items {
			var item inviteItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return archivalError("unmarshalling invite", err)
			}
			invites = append(invites, item.toInvite())
		}
		return nil
	}

	if status == "" {
		pages := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{
			TableName: aws.String(d.InvitesTable),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return nil, archivalError("scanning invites", err)
			}
			if err := collect(page.Items); err != nil {
				return nil, err
			}
		}
		return invites, nil
	}

	pages := dynamodb.NewQueryPaginator(d.Client, d.statusQuery(status, 0))
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, archivalError("querying invites", err)
		}
		if err := collect(page.Items); err != nil {
			return nil, err
		}
	}

	return invites, nil
}

// FindInviteByLinkFragment returns the first invite whose link contains
// fragment, or nil.
func (d *Dynamo) FindInviteByLinkFragment(ctx context.Context, fragment string) (*e.Invite, error) {
	pages := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{
		TableName:        aws.String(d.InvitesTable),
		FilterExpression: aws.String("contains(inviteLink, :fragment)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fragment": &types.AttributeValueMemberS{Value: fragment},
		},
	})

	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, archivalError("scanning invites", err)
		}

		for _, raw := range page.Items {
			var item inviteItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, archivalError("unmarshalling invite", err)
			}
			if strings.Contains(item.InviteLink, fragment) {
				inv := item.toInvite()
				return &inv, nil
			}
		}
	}

	return nil, nil
}

func (d *Dynamo) statusQuery(status e.InviteStatus, limit int32) *dynamodb.QueryInput {
	input := &dynamodb.QueryInput{
		TableName:                aws.String(d.InvitesTable),
		IndexName:                aws.String(d.StatusIndex),
		KeyConditionExpression:   aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}
	return input
}

func (d *Dynamo) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func inviteKey(link string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"inviteLink": &types.AttributeValueMemberS{Value: link},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
