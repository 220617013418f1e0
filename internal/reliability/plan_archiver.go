// Package reliability keeps an off-box copy of every completed rebalance plan.
package reliability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/rs/zerolog"
)

// ArchiveConfig configures the S3-compatible bucket plans are written to
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string // Empty for AWS, set for R2/MinIO style endpoints
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Enabled reports whether enough settings are present to archive
func (c ArchiveConfig) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// uploader is the part of manager.Uploader the archiver needs
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// ArchivedPlan is the document written for each completed rebalance
type ArchivedPlan struct {
	RebalanceRequestID string                `json:"rebalanceRequestId"`
	UserID             string                `json:"userId"`
	TargetCash         float64               `json:"targetCashAllocation"`
	ArchivedAt         time.Time             `json:"archivedAt"`
	Plan               *domain.RebalancePlan `json:"rebalancePlan"`
}

// PlanArchiver uploads completed plans as JSON objects
type PlanArchiver struct {
	uploader uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewPlanArchiver builds an archiver from static credentials.
// It returns nil, nil when archiving is not configured.
func NewPlanArchiver(ctx context.Context, cfg ArchiveConfig, log zerolog.Logger) (*PlanArchiver, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newPlanArchiver(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, log), nil
}

func newPlanArchiver(up uploader, bucket, prefix string, log zerolog.Logger) *PlanArchiver {
	if prefix == "" {
		prefix = "plans"
	}
	return &PlanArchiver{
		uploader: up,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		log:      log.With().Str("service", "plan_archiver").Logger(),
	}
}

// ObjectKey returns where the plan of a request is stored
func (a *PlanArchiver) ObjectKey(req *domain.RebalanceRequest) string {
	user := req.UserID
	if user == "" {
		user = "unknown"
	}
	return path.Join(a.prefix, user, req.ID+".json")
}

// Archive uploads the plan of a completed request. A nil archiver does nothing.
func (a *PlanArchiver) Archive(ctx context.Context, req *domain.RebalanceRequest, plan *domain.RebalancePlan) error {
	if a == nil {
		return nil
	}

	body, err := json.Marshal(ArchivedPlan{
		RebalanceRequestID: req.ID,
		UserID:             req.UserID,
		TargetCash:         req.TargetCashAllocation,
		ArchivedAt:         time.Now().UTC(),
		Plan:               plan,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal archived plan: %w", err)
	}

	key := a.ObjectKey(req)
	out, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload plan %s: %w", key, err)
	}

	a.log.Info().
		Str("rebalance_request_id", req.ID).
		Str("key", key).
		Str("location", out.Location).
		Int("bytes", len(body)).
		Msg("Plan archived")
	return nil
}
