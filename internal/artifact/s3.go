// Package artifact stores rendered reports outside the lab API.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
)

// S3Store uploads report artifacts to an S3-compatible bucket (AWS S3 or MinIO).
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewS3Store creates a store from configuration. Credentials come from the
// default AWS chain.
func NewS3Store(ctx context.Context, cfg domain.S3Config, logger *logrus.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client *s3.Client, bucket, prefix string, logger *logrus.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Key returns the object key of an artifact: <prefix>/<order>/<report>.pdf
func (s *S3Store) Key(artifact *domain.ReportArtifact) string {
	name := artifact.ReportID + path.Ext(artifact.FileName)
	return path.Join(s.prefix, artifact.OrderID, name)
}

// Upload stores the document with its identifying metadata.
func (s *S3Store) Upload(ctx context.Context, artifact *domain.ReportArtifact) (*domain.UploadReceipt, error) {
	if artifact == nil || artifact.ReportID == "" || artifact.OrderID == "" {
		return nil, domain.NewValidationError("artifact", "report id and order id are required", nil)
	}
	if len(artifact.Document) == 0 {
		return nil, domain.NewValidationError("document", "document is empty", artifact.ReportID)
	}

	key := s.Key(artifact)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(artifact.Document),
		ContentLength: aws.Int64(int64(len(artifact.Document))),
		Metadata: map[string]string{
			"report-id":    artifact.ReportID,
			"order-id":     artifact.OrderID,
			"patient-id":   artifact.PatientID,
			"treatment-id": artifact.TreatmentID,
			"test-ids":     strings.Join(artifact.TestIDs, ","),
		},
	}
	if artifact.ContentType != "" {
		input.ContentType = aws.String(artifact.ContentType)
	}
	if artifact.FileName != "" {
		input.ContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	}

	start := time.Now()
	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": s.bucket,
			"key":    key,
		}).Error("Failed to upload report artifact")
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"bucket":      s.bucket,
		"key":         key,
		"size":        len(artifact.Document),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Report artifact uploaded")

	return &domain.UploadReceipt{
		Location:   fmt.Sprintf("s3://%s/%s", s.bucket, key),
		UploadedAt: time.Now().UTC(),
	}, nil
}

var _ domain.ArtifactStore = (*S3Store)(nil)
