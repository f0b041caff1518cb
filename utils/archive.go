// utils/archive.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"duel-settlement-engine/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var r2Client *s3.Client
var r2Bucket string

// InitR2 configures the R2 client used for the off-site settlement archive.
// The database row is the source of truth; the archive is a second copy for
// disputes and cold storage.
func InitR2() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	r2Bucket = os.Getenv("R2_BUCKET_NAME")

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load R2 config: %w", err)
	}

	r2Client = s3.NewFromConfig(cfg)
	return nil
}

// ArchiveReady reports whether the archive was configured. When R2 is not
// set up the engine runs with the database copy only.
func ArchiveReady() bool {
	return r2Client != nil && r2Bucket != ""
}

// ArchiveSettlementRecord uploads one settlement record as JSON, keyed by
// session id so retries overwrite the same object.
func ArchiveSettlementRecord(ctx context.Context, record *models.SettlementRecord) error {
	if !ArchiveReady() {
		return fmt.Errorf("settlement archive is not configured")
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode settlement record: %w", err)
	}

	key := fmt.Sprintf("settlements/%s.json", record.SessionID)
	_, err = r2Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r2Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload settlement record: %w", err)
	}
	return nil
}
