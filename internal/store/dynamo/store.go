package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

const (
	attrPK       = "pk"
	attrRevision = "revision"

	defaultOperationTimeout = 5 * time.Second
	tableActiveTimeout      = 2 * time.Minute
)

// Client is the subset of *dynamodb.Client the store uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Options configures a Store.
type Options struct {
	Table            string
	Context          string
	OperationTimeout time.Duration
}

// Store persists entities as DynamoDB items keyed by "context#type#id".
type Store struct {
	client Client
	opts   Options
}

// New creates a Store.
func New(client Client, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamo: table is required")
	}
	if opts.Context == "" {
		return nil, errors.New("dynamo: storage context is required")
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	return &Store{client: client, opts: opts}, nil
}

// item is the DynamoDB representation of a snapshot.
type item struct {
	PK         string            `dynamodbav:"pk"`
	Context    string            `dynamodbav:"context"`
	RecordType string            `dynamodbav:"record_type"`
	EntityID   string            `dynamodbav:"entity_id"`
	Revision   uint64            `dynamodbav:"revision"`
	Balance    int64             `dynamodbav:"balance"`
	Cooldowns  []entity.Cooldown `dynamodbav:"cooldowns,omitempty"`
	Attributes map[string]string `dynamodbav:"attributes,omitempty"`
	UpdatedAt  time.Time         `dynamodbav:"updated_at"`
}

func (s *Store) pk(key entity.Key) string {
	return s.opts.Context + "#" + string(key.Type) + "#" + key.ID.String()
}

func (s *Store) keyAttr(key entity.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: s.pk(key)},
	}
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opts.Table),
		Key:            s.keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return entity.Snapshot{}, entity.NewStoreError(classify(err), "load", key, err)
	}
	if len(out.Item) == 0 {
		return entity.Snapshot{}, entity.NewStoreError(entity.ClassNotFound, "load", key, entity.ErrNotFound)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return entity.Snapshot{}, entity.NewStoreError(entity.ClassFatal, "load", key, fmt.Errorf("decoding item: %w", err))
	}

	return entity.Snapshot{
		Key:       key,
		Revision:  it.Revision,
		UpdatedAt: it.UpdatedAt,
		State: entity.State{
			Balance:    it.Balance,
			Cooldowns:  it.Cooldowns,
			Attributes: it.Attributes,
		},
	}, nil
}

// Save writes snap only if the item is absent or holds an older revision.
// A failed condition with an equal stored revision and equal content is an
// idempotent replay; any other outcome is entity.ErrRevisionConflict.
func (s *Store) Save(ctx context.Context, key entity.Key, snap entity.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	av, err := attributevalue.MarshalMap(item{
		PK:         s.pk(key),
		Context:    s.opts.Context,
		RecordType: string(key.Type),
		EntityID:   key.ID.String(),
		Revision:   snap.Revision,
		Balance:    snap.State.Balance,
		Cooldowns:  snap.State.Cooldowns,
		Attributes: snap.State.Attributes,
		UpdatedAt:  updatedAt.UTC(),
	})
	if err != nil {
		return entity.NewStoreError(entity.ClassFatal, "save", key, fmt.Errorf("encoding item: %w", err))
	}

	expr, err := newerRevisionCondition(snap.Revision)
	if err != nil {
		return entity.NewStoreError(entity.ClassFatal, "save", key, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.opts.Table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return entity.NewStoreError(classify(err), "save", key, err)
	}

	stored, err := s.storedItem(ctx, key)
	if err != nil {
		return entity.NewStoreError(classify(err), "save", key, err)
	}
	if stored.Revision != snap.Revision {
		return entity.NewStoreError(entity.ClassFatal, "save", key,
			fmt.Errorf("%w: stored revision %d, writing %d", entity.ErrRevisionConflict, stored.Revision, snap.Revision))
	}
	current := entity.State{Balance: stored.Balance, Cooldowns: stored.Cooldowns, Attributes: stored.Attributes}
	if !current.Equal(snap.State) {
		return entity.NewStoreError(entity.ClassFatal, "save", key,
			fmt.Errorf("%w: revision %d already stored with other content", entity.ErrRevisionConflict, snap.Revision))
	}
	return nil
}

// Delete removes key unless the stored revision is at or above revision.
// entity.AnyRevision sends no condition.
func (s *Store) Delete(ctx context.Context, key entity.Key, revision uint64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	in := &dynamodb.DeleteItemInput{
		TableName: aws.String(s.opts.Table),
		Key:       s.keyAttr(key),
	}
	if revision != entity.AnyRevision {
		expr, err := newerRevisionCondition(revision)
		if err != nil {
			return entity.NewStoreError(entity.ClassFatal, "delete", key, err)
		}
		in.ConditionExpression = expr.Condition()
		in.ExpressionAttributeNames = expr.Names()
		in.ExpressionAttributeValues = expr.Values()
	}

	_, err := s.client.DeleteItem(ctx, in)
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return entity.NewStoreError(entity.ClassFatal, "delete", key,
			fmt.Errorf("%w: stored revision survives delete at %d", entity.ErrRevisionConflict, revision))
	}
	return entity.NewStoreError(classify(err), "delete", key, err)
}

// Migrate creates the table when it does not exist and waits until it is active.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return entity.NewStoreError(classify(err), "migrate", entity.Key{}, err)
	}

	out, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.opts.Table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrPK), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrPK), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	switch {
	case errors.As(err, &inUse):
		// Another instance is creating it.
	case err != nil:
		return entity.NewStoreError(classify(err), "migrate", entity.Key{}, fmt.Errorf("creating table: %w", err))
	case out.TableDescription != nil && out.TableDescription.TableStatus == types.TableStatusActive:
		return nil
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)}, tableActiveTimeout); err != nil {
		return entity.NewStoreError(entity.ClassTransient, "migrate", entity.Key{}, fmt.Errorf("waiting for table: %w", err))
	}
	return nil
}

// HealthCheck describes the table.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()
	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)}); err != nil {
		return entity.NewStoreError(classify(err), "health_check", entity.Key{}, err)
	}
	return nil
}

// storedItem reads the revision and state attributes of key.
func (s *Store) storedItem(ctx context.Context, key entity.Key) (item, error) {
	proj, err := expression.NewBuilder().
		WithProjection(expression.NamesList(
			expression.Name(attrRevision),
			expression.Name("balance"),
			expression.Name("cooldowns"),
			expression.Name("attributes"),
		)).
		Build()
	if err != nil {
		return item{}, fmt.Errorf("building projection: %w", err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.opts.Table),
		Key:                      s.keyAttr(key),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     proj.Projection(),
		ExpressionAttributeNames: proj.Names(),
	})
	if err != nil {
		return item{}, err
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return item{}, fmt.Errorf("decoding item: %w", err)
	}
	return it, nil
}

// newerRevisionCondition allows the write when the item is absent or older.
func newerRevisionCondition(revision uint64) (expression.Expression, error) {
	cond := expression.AttributeNotExists(expression.Name(attrPK)).
		Or(expression.Name(attrRevision).LessThan(expression.Value(revision)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return expression.Expression{}, fmt.Errorf("building condition: %w", err)
	}
	return expr, nil
}
