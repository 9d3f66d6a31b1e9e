package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/keyverify-api/internal/domain"
)

// SessionRepo stores verification sessions in DynamoDB.
// PK: jti. The ttl attribute lets DynamoDB evict sessions after expiry; since
// eviction is lazy, readers still compare expires_at themselves.
type SessionRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewSessionRepo(client *dynamodb.Client, tableName string) *SessionRepo {
	return &SessionRepo{client: client, tableName: tableName}
}

// marshalSession encodes s as a pending item carrying the TTL attribute.
func marshalSession(s *domain.VerificationSession) (map[string]types.AttributeValue, error) {
	rec := *s
	rec.Status = domain.StatusPending
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	item[fieldTTL] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.ExpiresAt.Unix())}
	return item, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.VerificationSession) error {
	item, err := marshalSession(s)
	if err != nil {
		return err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": fieldJTI},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("session %s already exists: %w", s.JTI, domain.ErrConflict)
	}
	return err
}

func (r *SessionRepo) Get(ctx context.Context, jti string) (*domain.VerificationSession, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldJTI, jti),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	var s domain.VerificationSession
	if err := attributevalue.UnmarshalMap(out.Item, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CompareAndSwapStatus relies on DynamoDB's conditional write: concurrent
// callers race on the same item and exactly one condition check passes.
func (r *SessionRepo) CompareAndSwapStatus(ctx context.Context, jti string, expected, next domain.SessionStatus) (bool, error) {
	if !domain.ValidTransition(expected, next) {
		return false, fmt.Errorf("invalid status transition %s -> %s: %w", expected, next, domain.ErrState)
	}
	cu := buildCondUpdate(fieldStatus, string(expected), string(next))
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldJTI, jti),
		UpdateExpression:          aws.String(cu.Update),
		ConditionExpression:       aws.String(cu.Condition),
		ExpressionAttributeNames:  cu.Names,
		ExpressionAttributeValues: cu.Values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func isConditionFailed(err error) bool {
	var ccfe *types.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
