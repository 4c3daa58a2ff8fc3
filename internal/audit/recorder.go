// Package audit persists auth events to DynamoDB as a best-effort trail.
// Recording never fails the request that produced the event.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/medigate/medigate/internal/models"
	"github.com/sirupsen/logrus"
)

// Audit items expire out of DynamoDB after this long.
const retention = 90 * 24 * time.Hour

type Recorder interface {
	Record(ctx context.Context, event models.AuthEvent)
}

type DynamoRecorder struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewDynamoRecorder(client *dynamodb.Client, tableName string, logger *logrus.Logger) *DynamoRecorder {
	return &DynamoRecorder{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func (r *DynamoRecorder) Record(ctx context.Context, event models.AuthEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	item, err := attributevalue.MarshalMap(event)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to marshal audit event")
		return
	}

	item["PK"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("AUDIT#%s", event.UserID)}
	item["SK"] = &types.AttributeValueMemberS{
		Value: fmt.Sprintf("%s#%s", event.CreatedAt.Format(time.RFC3339Nano), uuid.New().String()),
	}
	item["TTL"] = &types.AttributeValueMemberN{
		Value: fmt.Sprintf("%d", event.CreatedAt.Add(retention).Unix()),
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": event.UserID,
			"action":  event.Action,
		}).Warn("Failed to store audit event")
	}
}

// NopRecorder is used when auditing is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, models.AuthEvent) {}
