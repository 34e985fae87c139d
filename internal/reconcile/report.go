// internal/reconcile/report.go
// Optional S3 upload of reconciliation run reports. Reports are JSON
// documents keyed by run timestamp, intended for offline auditing of
// inventory drift.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/moclas17/poap.cards/internal/model"
)

// Reporter uploads run reports to an S3-compatible bucket.
type Reporter struct {
	client *s3.Client
	bucket string
}

// NewReporter creates a reporter for the given S3-compatible endpoint.
// It supports both AWS S3 and services like MinIO.
func NewReporter(endpoint, region, bucket, accessKey, secretKey string) (*Reporter, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &Reporter{client: client, bucket: bucket}, nil
}

// runReport is the uploaded document.
type runReport struct {
	Trigger string               `json:"trigger"`
	Stats   model.ReconcileStats `json:"stats"`
	Items   []itemOutcome        `json:"items"`
}

// itemOutcome records what happened to one code during the run.
type itemOutcome struct {
	CodeID  string `json:"codeId"`
	QRHash  string `json:"qrHash"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Upload writes the report as a timestamped JSON object.
func (r *Reporter) Upload(ctx context.Context, trigger string, stats model.ReconcileStats, items []itemOutcome) error {
	report := runReport{Trigger: trigger, Stats: stats, Items: items}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	key := fmt.Sprintf("reconcile/%s.json", stats.StartedAt.UTC().Format(time.RFC3339))
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload run report: %w", err)
	}
	return nil
}
