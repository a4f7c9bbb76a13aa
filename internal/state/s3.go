package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
)

// s3Store implements Store on AWS S3 with optional DynamoDB locking.
// Commits hold the DynamoDB lock for the whole run, so the cached snapshot
// read at Load time stays authoritative between writes.
type s3Store struct {
	bucket        string
	key           string
	region        string
	dynamoDBTable string
	encrypt       bool
	profile       string

	evaluator *eval.Evaluator
	s3Client  *s3.Client
	dbClient  *dynamodb.Client
	lockID    string

	mu     sync.Mutex
	cached *ir.State
}

func newS3Store(config map[string]string, evaluator *eval.Evaluator) (Store, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	key := config["key"]
	if key == "" {
		key = "terrapin/state.pkl"
	}

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	b := &s3Store{
		bucket:        bucket,
		key:           key,
		region:        region,
		dynamoDBTable: config["dynamodb_table"],
		encrypt:       config["encrypt"] == "true",
		profile:       config["profile"],
		evaluator:     evaluator,
	}

	if err := b.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}

	return b, nil
}

func (b *s3Store) initClients() error {
	ctx := context.Background()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(b.region))
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)

	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}

	return nil
}

func (b *s3Store) Load(ctx context.Context) (*ir.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return cloneState(b.cached), nil
}

func (b *s3Store) Commit(ctx context.Context, entry *ir.ResourceState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(ctx); err != nil {
		return err
	}
	upsert(b.cached, entry)
	return b.flush(ctx)
}

func (b *s3Store) Remove(ctx context.Context, addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(ctx); err != nil {
		return err
	}
	remove(b.cached, addr)
	return b.flush(ctx)
}

func (b *s3Store) CommitOutputs(ctx context.Context, outputs map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoaded(ctx); err != nil {
		return err
	}
	b.cached.Outputs = outputs
	return b.flush(ctx)
}

func (b *s3Store) ensureLoaded(ctx context.Context) error {
	if b.cached != nil {
		return nil
	}

	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			b.cached = &ir.State{Version: 1, Serial: 0, Lineage: newLineage()}
			return nil
		}
		return fmt.Errorf("failed to read state from s3://%s/%s: %w", b.bucket, b.key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return fmt.Errorf("failed to read S3 object body: %w", err)
	}
	content := buf.Bytes()

	if IsEncrypted(content) {
		decrypted, err := DecryptState(content)
		if err != nil {
			return fmt.Errorf("failed to decrypt remote state: %w", err)
		}
		content = decrypted
	}

	// Write to a temporary directory (document plus its schema) so the Pkl
	// evaluator can parse it.
	tmpDir, err := os.MkdirTemp("", "terrapin-state-")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := writeStateSchema(tmpDir); err != nil {
		return err
	}
	tmpFile := filepath.Join(tmpDir, "state.pkl")
	if err := os.WriteFile(tmpFile, content, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	state, err := b.evaluator.LoadState(ctx, tmpFile)
	if err != nil {
		return fmt.Errorf("failed to parse remote state: %w", err)
	}

	b.cached = state
	return nil
}

func (b *s3Store) flush(ctx context.Context) error {
	b.cached.Serial++
	data := []byte(SerializeState(b.cached))

	encrypted, err := EncryptState(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Body:   bytes.NewReader(encrypted),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", b.bucket, b.key, err)
	}

	return nil
}

func (b *s3Store) Lock() error {
	if b.dynamoDBTable == "" {
		return nil // No locking without DynamoDB
	}

	b.lockID = fmt.Sprintf("terrapin-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := b.dbClient.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: b.lockID},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("state is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q", b.key, b.dynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	return nil
}

func (b *s3Store) Unlock() error {
	if b.dynamoDBTable == "" {
		return nil
	}

	_, err := b.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.key},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}
