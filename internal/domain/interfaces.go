package domain

import (
	"context"
)

// LabAPI is the remote laboratory system the engine drives. Every call is an
// independent request/response and honours ctx cancellation.
type LabAPI interface {
	FetchQueue(ctx context.Context, kind QueueKind) ([]Order, error)
	FetchTestDefinition(ctx context.Context, definitionID string) (*TestDefinition, error)
	SubmitTest(ctx context.Context, orderID, testID string) error
	Approve(ctx context.Context, orderID string, testIDs []string, comments string) error
	RequestRetest(ctx context.Context, orderID string, testIDs []string, reason string) error
	FetchReportDetail(ctx context.Context, orderID string) (*ReportDetail, error)
}

// DraftRepository persists draft records keyed by (order, test, parameter).
type DraftRepository interface {
	// SaveDrafts upserts the batch. Implementations reject a record whose
	// non-zero Revision does not match the stored one with ErrStaleRevision.
	SaveDrafts(ctx context.Context, records []DraftRecord) error
	LoadDrafts(ctx context.Context, orderID, testID string) ([]DraftRecord, error)
}

// ArtifactStore receives rendered reports.
type ArtifactStore interface {
	Upload(ctx context.Context, artifact *ReportArtifact) (*UploadReceipt, error)
}

// AuditLog is an append-only record of workflow actions.
type AuditLog interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]AuditEntry, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetLabAPIConfig() *LabAPIConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
