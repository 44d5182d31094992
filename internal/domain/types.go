// Package domain contains the core entities of the laboratory result workflow:
// orders and their tests, parameter definitions with reference ranges, working
// result values, persisted drafts, audit entries and report payloads.
//
// Everything in this package is plain data plus small validation helpers. The
// algorithms that act on it live in internal/rules and internal/service.
package domain

import (
	"strings"
	"time"
)

// OrderStatus is the lifecycle state of a lab order.
type OrderStatus string

const (
	OrderCollected         OrderStatus = "Collected"
	OrderProcessing        OrderStatus = "Processing"
	OrderValidationPending OrderStatus = "ValidationPending"
	OrderValidated         OrderStatus = "Validated"
	OrderRejected          OrderStatus = "Rejected"
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderCollected, OrderProcessing, OrderValidationPending, OrderValidated, OrderRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further lifecycle action applies to the order.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderValidated || s == OrderRejected
}

func (s OrderStatus) String() string {
	return string(s)
}

// TestStatus is the per-test progress inside an order.
type TestStatus string

const (
	TestProcessing        TestStatus = "Processing"
	TestResultsEntered    TestStatus = "ResultsEntered"
	TestValidationPending TestStatus = "ValidationPending"
	TestValidated         TestStatus = "Validated"
	TestRejected          TestStatus = "Rejected"
)

// IsValid reports whether the status is a known test state.
func (s TestStatus) IsValid() bool {
	switch s {
	case TestProcessing, TestResultsEntered, TestValidationPending, TestValidated, TestRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the test has left the editable part of the workflow.
func (s TestStatus) IsTerminal() bool {
	return s == TestValidated || s == TestRejected
}

func (s TestStatus) String() string {
	return string(s)
}

// Flag is the qualitative classification of a numeric result.
type Flag string

const (
	FlagNormal   Flag = "Normal"
	FlagLow      Flag = "Low"
	FlagHigh     Flag = "High"
	FlagCritical Flag = "Critical"
	// FlagUnknown marks a value that could not be parsed as a number. It is
	// never reported as Normal.
	FlagUnknown Flag = "Unknown"
)

// IsValid reports whether the flag is a known value.
func (f Flag) IsValid() bool {
	switch f {
	case FlagNormal, FlagLow, FlagHigh, FlagCritical, FlagUnknown:
		return true
	default:
		return false
	}
}

// IsAbnormal reports whether the flag should be highlighted on worksheets and reports.
func (f Flag) IsAbnormal() bool {
	return f == FlagLow || f == FlagHigh || f == FlagCritical
}

func (f Flag) String() string {
	return string(f)
}

// DeltaDirection is the trend of a result compared to the previous value.
type DeltaDirection string

const (
	DeltaUp     DeltaDirection = "up"
	DeltaDown   DeltaDirection = "down"
	DeltaStable DeltaDirection = "stable"
)

func (d DeltaDirection) String() string {
	return string(d)
}

// Delta is the outcome of a same-session delta check.
type Delta struct {
	PercentMagnitude float64        `json:"percent_magnitude"`
	Direction        DeltaDirection `json:"direction"`
}

// Patient identifies the person a sample was taken from.
type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Sex         string    `json:"sex"`
	DateOfBirth time.Time `json:"date_of_birth"`
	Phone       string    `json:"phone,omitempty"`
}

// Order is a patient sample submission with one or more ordered tests.
type Order struct {
	ID                 string      `json:"id"`
	Patient            Patient     `json:"patient"`
	TreatmentID        string      `json:"treatment_id,omitempty"`
	ReferringPhysician string      `json:"referring_physician,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	Status             OrderStatus `json:"status"`
	Tests              []Test      `json:"tests"`
}

// TestIDs returns the ids of every test in the order, in order.
func (o *Order) TestIDs() []string {
	ids := make([]string, 0, len(o.Tests))
	for _, t := range o.Tests {
		ids = append(ids, t.ID)
	}
	return ids
}

// Test returns the test with the given id.
func (o *Order) Test(testID string) (*Test, bool) {
	for i := range o.Tests {
		if o.Tests[i].ID == testID {
			return &o.Tests[i], true
		}
	}
	return nil, false
}

// AllTestsIn reports whether every test is in one of the given states.
func (o *Order) AllTestsIn(statuses ...TestStatus) bool {
	for _, t := range o.Tests {
		matched := false
		for _, s := range statuses {
			if t.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can hand orders out without sharing test slices.
func (o *Order) Clone() *Order {
	c := *o
	c.Tests = append([]Test(nil), o.Tests...)
	return &c
}

// Test is a single lab investigation within an order.
type Test struct {
	ID               string        `json:"id"`
	OrderID          string        `json:"order_id"`
	Code             string        `json:"code"`
	Name             string        `json:"name"`
	SampleType       string        `json:"sample_type,omitempty"`
	Method           string        `json:"method,omitempty"`
	TurnaroundTarget time.Duration `json:"turnaround_target,omitempty"`
	Status           TestStatus    `json:"status"`
	DefinitionID     string        `json:"definition_id"`
}

// TestDefinition lists the parameters measured by a test.
type TestDefinition struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Parameters []Parameter `json:"parameters"`
}

// Parameter looks up a parameter definition by id.
func (d *TestDefinition) Parameter(parameterID string) (*Parameter, bool) {
	for i := range d.Parameters {
		if d.Parameters[i].ID == parameterID {
			return &d.Parameters[i], true
		}
	}
	return nil, false
}

// Parameter is an individual measured quantity within a test definition.
type Parameter struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Unit     string           `json:"unit,omitempty"`
	Ranges   []ReferenceRange `json:"ranges,omitempty"`
	Critical *CriticalValues  `json:"critical,omitempty"`
	// Optional parameters may be left blank at approval time.
	Optional bool `json:"optional,omitempty"`
}

// ReferenceRange is a normal band, optionally scoped to one sex. An empty Sex
// applies to any patient.
type ReferenceRange struct {
	Sex string  `json:"sex,omitempty"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MatchesSex compares the range scope with a patient sex, ignoring case.
func (r ReferenceRange) MatchesSex(sex string) bool {
	return strings.EqualFold(strings.TrimSpace(r.Sex), strings.TrimSpace(sex))
}

// CriticalValues are thresholds beyond which a result is always Critical.
type CriticalValues struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

// ResolvedRange is the range and critical thresholds that apply to one patient.
// Known is false when the parameter defines no reference range at all; Min and
// Max are then zero and must not be read as a zero-width band.
type ResolvedRange struct {
	Min          float64  `json:"min"`
	Max          float64  `json:"max"`
	Known        bool     `json:"known"`
	CriticalLow  *float64 `json:"critical_low,omitempty"`
	CriticalHigh *float64 `json:"critical_high,omitempty"`
}

// ResultValue is the working state of one parameter while results are entered.
type ResultValue struct {
	ParameterID   string `json:"parameter_id"`
	Value         string `json:"value"`
	NotApplicable bool   `json:"not_applicable,omitempty"`
	Flag          Flag   `json:"flag"`
	Delta         *Delta `json:"delta,omitempty"`
}

// DraftStatus is the persisted status of a draft record. Only "draft" exists today.
const DraftStatus = "draft"

// DraftRecord is the persisted snapshot of one (order, test, parameter) value.
type DraftRecord struct {
	OrderID        string         `json:"order_id"`
	TestID         string         `json:"test_id"`
	ParameterID    string         `json:"parameter_id"`
	Value          string         `json:"value"`
	NotApplicable  bool           `json:"not_applicable,omitempty"`
	Flag           Flag           `json:"flag"`
	Delta          *float64       `json:"delta,omitempty"`
	DeltaDirection DeltaDirection `json:"delta_direction,omitempty"`
	Status         string         `json:"status"`
	// Revision is the stored revision the caller last saw. Zero means a blind
	// write; any other value must match the stored revision.
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Key returns the identity of the draft.
func (r DraftRecord) Key() DraftKey {
	return DraftKey{OrderID: r.OrderID, TestID: r.TestID, ParameterID: r.ParameterID}
}

// DraftKey identifies a draft record.
type DraftKey struct {
	OrderID     string
	TestID      string
	ParameterID string
}

// AuditAction names the kind of audited event.
type AuditAction string

const (
	AuditStatusChange    AuditAction = "status_change"
	AuditResultEntry     AuditAction = "result_entry"
	AuditCriticalAlert   AuditAction = "critical_alert"
	AuditDraftsSaved     AuditAction = "drafts_saved"
	AuditSubmission      AuditAction = "submission"
	AuditApproval        AuditAction = "approval"
	AuditRetestRequested AuditAction = "retest_requested"
	AuditReportUploaded  AuditAction = "report_uploaded"
)

// AuditEntry is an immutable record of an action on an order.
type AuditEntry struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"order_id"`
	TestID    string      `json:"test_id,omitempty"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	Detail    string      `json:"detail"`
	Timestamp time.Time   `json:"timestamp"`
}

// QueueKind selects one of the remote order lists.
type QueueKind string

const (
	QueueProcessing QueueKind = "processing"
	QueueValidation QueueKind = "validation"
	QueueCompleted  QueueKind = "completed"
)

// ReportDetail is the consolidated payload used to render a final report.
type ReportDetail struct {
	OrderID            string       `json:"order_id"`
	Patient            Patient      `json:"patient"`
	TreatmentID        string       `json:"treatment_id"`
	ReferringPhysician string       `json:"referring_physician,omitempty"`
	Tests              []ReportTest `json:"tests"`
}

// ReportTest is one validated test in a report payload.
type ReportTest struct {
	TestID     string            `json:"test_id"`
	Name       string            `json:"name"`
	Parameters []ReportParameter `json:"parameters"`
}

// ReportParameter carries the raw inputs of a reported result. The flag is
// recomputed from Value and Range when the report is assembled.
type ReportParameter struct {
	Name          string        `json:"name"`
	Value         string        `json:"value"`
	Unit          string        `json:"unit,omitempty"`
	NotApplicable bool          `json:"not_applicable,omitempty"`
	Range         ResolvedRange `json:"range"`
}

// ReportArtifact is a rendered report handed to an artifact store.
type ReportArtifact struct {
	ReportID    string   `json:"report_id"`
	FileName    string   `json:"file_name"`
	ContentType string   `json:"content_type"`
	Document    []byte   `json:"-"`
	OrderID     string   `json:"order_id"`
	PatientID   string   `json:"patient_id"`
	TreatmentID string   `json:"treatment_id"`
	TestIDs     []string `json:"test_ids"`
}

// UploadReceipt is returned by an artifact store after a successful upload.
type UploadReceipt struct {
	Location   string    `json:"location"`
	UploadedAt time.Time `json:"uploaded_at"`
}
