package runstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

const (
	attrRunID      = "run_id"
	attrNotifiedAt = "notified_at"
	attrTimer      = "timer"
	attrInstance   = "instance"
)

// dynamoAPI is the part of dynamodb.Client the store uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoOptions configures NewDynamoStore.
type DynamoOptions struct {
	TableName string
	Region    string
	Endpoint  string
}

// DynamoStore keeps one item per run keyed by run_id. Add is a conditional
// PutItem so the first writer wins.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
}

// NewDynamoStore builds a client from the default AWS credential chain.
func NewDynamoStore(ctx context.Context, opts DynamoOptions) (*DynamoStore, error) {
	if strings.TrimSpace(opts.TableName) == "" {
		return nil, apperrors.New(apperrors.CodeConfigMissing, "dynamodb table name is required")
	}
	if strings.TrimSpace(opts.Region) == "" {
		opts.Region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "create aws config for dynamodb")
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	return newDynamoStore(client, opts.TableName), nil
}

func newDynamoStore(client dynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, tableName: strings.TrimSpace(table)}
}

func (s *DynamoStore) Load(ctx context.Context) (State, error) {
	st := NewState()
	consistent := true
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      &s.tableName,
		ConsistentRead: &consistent,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return State{}, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "dynamodb scan")
		}
		for _, item := range page.Items {
			id, rec, err := fromRunItem(item)
			if err != nil {
				return State{}, apperrors.Wrap(err, apperrors.CodeStateCorrupt, "decode run item")
			}
			st.Runs[id] = rec
			st.observe(rec.NotifiedAt)
		}
	}
	return st, nil
}

func (s *DynamoStore) Has(ctx context.Context, id RunID) (bool, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            map[string]types.AttributeValue{attrRunID: &types.AttributeValueMemberS{Value: string(id)}},
		ConsistentRead: &consistent,
	})
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "dynamodb get item")
	}
	return len(out.Item) > 0, nil
}

func (s *DynamoStore) Add(ctx context.Context, id RunID, rec Record) (bool, error) {
	cond := "attribute_not_exists(#id)"
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                &s.tableName,
		Item:                     toRunItem(id, rec),
		ConditionExpression:      &cond,
		ExpressionAttributeNames: map[string]string{"#id": attrRunID},
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "dynamodb put item")
	}
	return true, nil
}

func toRunItem(id RunID, rec Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrRunID:      &types.AttributeValueMemberS{Value: string(id)},
		attrNotifiedAt: &types.AttributeValueMemberS{Value: rec.NotifiedAt.UTC().Format(time.RFC3339Nano)},
		attrTimer:      &types.AttributeValueMemberS{Value: rec.Timer},
	}
	if rec.Instance != "" {
		item[attrInstance] = &types.AttributeValueMemberS{Value: rec.Instance}
	}
	return item
}

func fromRunItem(item map[string]types.AttributeValue) (RunID, Record, error) {
	id, err := attrString(item, attrRunID)
	if err != nil {
		return "", Record{}, err
	}
	at, err := attrString(item, attrNotifiedAt)
	if err != nil {
		return "", Record{}, err
	}
	notifiedAt, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return "", Record{}, fmt.Errorf("invalid attribute %s: %w", attrNotifiedAt, err)
	}
	return RunID(id), Record{
		NotifiedAt: notifiedAt,
		Timer:      optionalString(item, attrTimer),
		Instance:   optionalString(item, attrInstance),
	}, nil
}

func attrString(item map[string]types.AttributeValue, name string) (string, error) {
	raw, ok := item[name]
	if !ok {
		return "", fmt.Errorf("missing attribute %s", name)
	}
	value, ok := raw.(*types.AttributeValueMemberS)
	if !ok || strings.TrimSpace(value.Value) == "" {
		return "", fmt.Errorf("invalid attribute %s", name)
	}
	return value.Value, nil
}

func optionalString(item map[string]types.AttributeValue, name string) string {
	value, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return value.Value
}
