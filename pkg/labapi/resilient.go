package labapi

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/lab-validation-server/internal/domain"
)

// Breaker groups. Endpoints in one group share a breaker so a failing
// subsystem of the lab API does not block unrelated calls.
const (
	BreakerQueues      = "lab-queues"
	BreakerDefinitions = "lab-definitions"
	BreakerDrafts      = "lab-drafts"
	BreakerWorkflow    = "lab-workflow"
	BreakerReports     = "lab-reports"
)

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to gobreaker.State)

// ResilientClient wraps Client with circuit breakers and a definition cache.
// It never retries: an open breaker fails fast with gobreaker.ErrOpenState.
type ResilientClient struct {
	client      *Client
	definitions *DefinitionCache
	breakers    map[string]*gobreaker.CircuitBreaker
	logger      *logrus.Logger
}

// NewResilientClient creates the wrapper. definitions may be nil.
func NewResilientClient(client *Client, config domain.BreakerConfig, definitions *DefinitionCache, onStateChange StateChangeFunc, logger *logrus.Logger) *ResilientClient {
	if config.MaxRequests == 0 {
		config.MaxRequests = 3
	}
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MinRequests == 0 {
		config.MinRequests = 3
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.6
	}

	r := &ResilientClient{
		client:      client,
		definitions: definitions,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		logger:      logger,
	}

	for _, name := range []string{BreakerQueues, BreakerDefinitions, BreakerDrafts, BreakerWorkflow, BreakerReports} {
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: config.MaxRequests,
			Interval:    config.Interval,
			Timeout:     config.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker changed state")
				if onStateChange != nil {
					onStateChange(name, from, to)
				}
			},
			IsSuccessful: isSuccessful,
		})
	}

	return r
}

// isSuccessful keeps caller mistakes and cancellations from tripping a
// breaker; only transport failures, 5xx and 429 count.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary()
	}
	var payloadErr *domain.PayloadError
	if errors.As(err, &payloadErr) {
		return true
	}
	var validationErr *domain.ValidationError
	return errors.As(err, &validationErr)
}

// BreakerState reports the state of a named breaker.
func (r *ResilientClient) BreakerState(name string) (gobreaker.State, bool) {
	cb, ok := r.breakers[name]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

func execute[T any](r *ResilientClient, breaker string, fn func() (T, error)) (T, error) {
	result, err := r.breakers[breaker].Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func executeErr(r *ResilientClient, breaker string, fn func() error) error {
	_, err := r.breakers[breaker].Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// FetchQueue fetches a work queue through the queue breaker.
func (r *ResilientClient) FetchQueue(ctx context.Context, kind domain.QueueKind) ([]domain.Order, error) {
	return execute(r, BreakerQueues, func() ([]domain.Order, error) {
		return r.client.FetchQueue(ctx, kind)
	})
}

// FetchTestDefinition serves from the definition cache before calling out.
func (r *ResilientClient) FetchTestDefinition(ctx context.Context, definitionID string) (*domain.TestDefinition, error) {
	if r.definitions != nil {
		if def, ok := r.definitions.Get(ctx, definitionID); ok {
			return def, nil
		}
	}

	def, err := execute(r, BreakerDefinitions, func() (*domain.TestDefinition, error) {
		return r.client.FetchTestDefinition(ctx, definitionID)
	})
	if err != nil {
		return nil, err
	}

	if r.definitions != nil {
		r.definitions.Set(ctx, def)
	}
	return def, nil
}

// SaveDrafts saves drafts through the drafts breaker.
func (r *ResilientClient) SaveDrafts(ctx context.Context, records []domain.DraftRecord) error {
	return executeErr(r, BreakerDrafts, func() error {
		return r.client.SaveDrafts(ctx, records)
	})
}

// LoadDrafts loads drafts through the drafts breaker.
func (r *ResilientClient) LoadDrafts(ctx context.Context, orderID, testID string) ([]domain.DraftRecord, error) {
	return execute(r, BreakerDrafts, func() ([]domain.DraftRecord, error) {
		return r.client.LoadDrafts(ctx, orderID, testID)
	})
}

// SubmitTest submits a test through the workflow breaker.
func (r *ResilientClient) SubmitTest(ctx context.Context, orderID, testID string) error {
	return executeErr(r, BreakerWorkflow, func() error {
		return r.client.SubmitTest(ctx, orderID, testID)
	})
}

// Approve approves tests through the workflow breaker.
func (r *ResilientClient) Approve(ctx context.Context, orderID string, testIDs []string, comments string) error {
	return executeErr(r, BreakerWorkflow, func() error {
		return r.client.Approve(ctx, orderID, testIDs, comments)
	})
}

// RequestRetest rejects tests through the workflow breaker.
func (r *ResilientClient) RequestRetest(ctx context.Context, orderID string, testIDs []string, reason string) error {
	return executeErr(r, BreakerWorkflow, func() error {
		return r.client.RequestRetest(ctx, orderID, testIDs, reason)
	})
}

// FetchReportDetail fetches report detail through the reports breaker.
func (r *ResilientClient) FetchReportDetail(ctx context.Context, orderID string) (*domain.ReportDetail, error) {
	return execute(r, BreakerReports, func() (*domain.ReportDetail, error) {
		return r.client.FetchReportDetail(ctx, orderID)
	})
}

// Upload uploads a report through the reports breaker.
func (r *ResilientClient) Upload(ctx context.Context, artifact *domain.ReportArtifact) (*domain.UploadReceipt, error) {
	return execute(r, BreakerReports, func() (*domain.UploadReceipt, error) {
		return r.client.Upload(ctx, artifact)
	})
}

var (
	_ domain.LabAPI          = (*ResilientClient)(nil)
	_ domain.DraftRepository = (*ResilientClient)(nil)
	_ domain.ArtifactStore   = (*ResilientClient)(nil)
	_ domain.LabAPI          = (*Client)(nil)
	_ domain.DraftRepository = (*Client)(nil)
	_ domain.ArtifactStore   = (*Client)(nil)
)
