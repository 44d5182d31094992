package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/monitoring"
	"github.com/lab-validation-server/internal/report"
)

// ApprovalRequest carries the pathologist's sign-off.
type ApprovalRequest struct {
	Reviewer string `json:"reviewer"`
	Comments string `json:"comments"`
}

// PipelineResult describes a report produced by a successful pipeline run.
type PipelineResult struct {
	ReportID string                `json:"report_id"`
	FileName string                `json:"file_name"`
	TestIDs  []string              `json:"test_ids"`
	Receipt  *domain.UploadReceipt `json:"receipt"`
}

// ValidationPipeline runs the approve-and-report chain: save drafts, approve,
// fetch report detail, build, render and upload. Stages run strictly in order
// and the first failure stops the chain.
type ValidationPipeline struct {
	api     domain.LabAPI
	drafts  *DraftStore
	store   domain.ArtifactStore
	builder *report.Builder
	layout  report.Layout
	metrics *monitoring.Metrics
	logger  *logrus.Logger
	newID   func() string
}

// NewValidationPipeline creates the pipeline.
func NewValidationPipeline(
	api domain.LabAPI,
	drafts *DraftStore,
	store domain.ArtifactStore,
	builder *report.Builder,
	metrics *monitoring.Metrics,
	logger *logrus.Logger,
) *ValidationPipeline {
	return &ValidationPipeline{
		api:     api,
		drafts:  drafts,
		store:   store,
		builder: builder,
		layout:  report.DefaultLayout(),
		metrics: metrics,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Run executes the chain for an order. A cancelled context stops the chain
// before the next stage starts.
func (p *ValidationPipeline) Run(ctx context.Context, order *domain.Order, req ApprovalRequest) (*PipelineResult, error) {
	testIDs := order.TestIDs()
	reportID := p.newID()
	logger := p.logger.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"report_id": reportID,
	})

	var (
		detail   *domain.ReportDetail
		doc      *report.Document
		pdf      []byte
		artifact *domain.ReportArtifact
		receipt  *domain.UploadReceipt
	)

	stages := []struct {
		stage domain.PipelineStage
		run   func() error
	}{
		{domain.StageSaveDrafts, func() error {
			return p.drafts.SaveOrder(ctx, order.ID)
		}},
		{domain.StageApprove, func() error {
			return p.api.Approve(ctx, order.ID, testIDs, req.Comments)
		}},
		{domain.StageFetchDetail, func() error {
			var err error
			detail, err = p.api.FetchReportDetail(ctx, order.ID)
			if err == nil && detail.OrderID != order.ID {
				err = &domain.PayloadError{Payload: "report detail", Field: "orderId", Reason: fmt.Sprintf("is %q, expected %q", detail.OrderID, order.ID)}
			}
			return err
		}},
		{domain.StageBuildReport, func() error {
			var err error
			doc, err = p.builder.Build(reportID, detail, req.Reviewer, req.Comments)
			return err
		}},
		{domain.StageRenderReport, func() error {
			var err error
			pdf, err = report.Render(doc, p.layout)
			return err
		}},
		{domain.StageUpload, func() error {
			artifact = report.NewArtifact(doc, detail, pdf)
			// The upload covers the order's tests, not whatever subset the detail echoed.
			artifact.TestIDs = testIDs
			var err error
			receipt, err = p.store.Upload(ctx, artifact)
			return err
		}},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			p.metrics.RecordPipelineRun(string(s.stage), false)
			logger.WithField("stage", s.stage).Warn("Report pipeline cancelled")
			return nil, &domain.PipelineError{OrderID: order.ID, Stage: s.stage, Err: err}
		}

		start := time.Now()
		err := s.run()
		p.metrics.RecordPipelineStage(string(s.stage), time.Since(start))
		if err != nil {
			p.metrics.RecordPipelineRun(string(s.stage), false)
			logger.WithError(err).WithField("stage", s.stage).Error("Report pipeline failed")
			return nil, &domain.PipelineError{OrderID: order.ID, Stage: s.stage, Err: err}
		}
		logger.WithField("stage", s.stage).Debug("Report pipeline stage completed")
	}

	p.metrics.RecordPipelineRun(string(domain.StageUpload), true)
	logger.WithField("location", receipt.Location).Info("Report generated and uploaded")

	return &PipelineResult{
		ReportID: reportID,
		FileName: artifact.FileName,
		TestIDs:  artifact.TestIDs,
		Receipt:  receipt,
	}, nil
}
