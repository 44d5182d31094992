package labapi

import (
	"fmt"
	"time"

	"github.com/lab-validation-server/internal/domain"
)

// Wire types mirror the lab API JSON. Required fields are pointers so a
// missing field can be told apart from a zero value; toDomain turns any gap
// into a *domain.PayloadError.

type wirePatient struct {
	ID          *string    `json:"id"`
	Name        *string    `json:"name"`
	Sex         string     `json:"sex"`
	DateOfBirth *time.Time `json:"dateOfBirth"`
	Phone       string     `json:"phone"`
}

type wireTest struct {
	ID                *string `json:"id"`
	Code              string  `json:"code"`
	Name              *string `json:"name"`
	SampleType        string  `json:"sampleType"`
	Method            string  `json:"method"`
	TurnaroundMinutes int     `json:"turnaroundMinutes"`
	Status            *string `json:"status"`
	DefinitionID      *string `json:"definitionId"`
}

type wireOrder struct {
	ID                 *string      `json:"id"`
	Patient            *wirePatient `json:"patient"`
	TreatmentID        string       `json:"treatmentId"`
	ReferringPhysician string       `json:"referringPhysician"`
	CreatedAt          *time.Time   `json:"createdAt"`
	Status             *string      `json:"status"`
	Tests              []wireTest   `json:"tests"`
}

type wireQueue struct {
	Orders *[]wireOrder `json:"orders"`
}

type wireRange struct {
	Sex string   `json:"sex"`
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

type wireCritical struct {
	Low  *float64 `json:"low"`
	High *float64 `json:"high"`
}

type wireParameter struct {
	ID       *string       `json:"id"`
	Name     *string       `json:"name"`
	Unit     string        `json:"unit"`
	Ranges   []wireRange   `json:"ranges"`
	Critical *wireCritical `json:"critical"`
	Optional bool          `json:"optional"`
}

type wireTestDefinition struct {
	ID         *string          `json:"id"`
	Name       string           `json:"name"`
	Parameters *[]wireParameter `json:"parameters"`
}

type wireDraft struct {
	OrderID        *string    `json:"orderId"`
	TestID         *string    `json:"testId"`
	ParameterID    *string    `json:"parameterId"`
	Value          string     `json:"value"`
	NotApplicable  bool       `json:"notApplicable,omitempty"`
	Flag           string     `json:"flag"`
	Delta          *float64   `json:"delta"`
	DeltaDirection string     `json:"deltaDirection,omitempty"`
	Status         string     `json:"status"`
	Revision       int64      `json:"revision"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

type wireDraftBatch struct {
	Drafts []wireDraft `json:"drafts"`
}

type wireApproval struct {
	TestIDs  []string `json:"testIds"`
	Comments string   `json:"comments"`
}

type wireRetest struct {
	TestIDs []string `json:"testIds"`
	Reason  string   `json:"reason"`
}

type wireReportRange struct {
	Min          *float64 `json:"min"`
	Max          *float64 `json:"max"`
	CriticalLow  *float64 `json:"criticalLow"`
	CriticalHigh *float64 `json:"criticalHigh"`
}

type wireReportParameter struct {
	Name          *string          `json:"name"`
	Value         string           `json:"value"`
	Unit          string           `json:"unit"`
	NotApplicable bool             `json:"notApplicable"`
	Range         *wireReportRange `json:"referenceRange"`
}

type wireReportTest struct {
	TestID     *string               `json:"testId"`
	Name       *string               `json:"name"`
	Parameters []wireReportParameter `json:"parameters"`
}

type wireReportDetail struct {
	OrderID            *string           `json:"orderId"`
	Patient            *wirePatient      `json:"patient"`
	TreatmentID        string            `json:"treatmentId"`
	ReferringPhysician string            `json:"referringPhysician"`
	Tests              *[]wireReportTest `json:"tests"`
}

type wireUploadReceipt struct {
	Location   *string    `json:"location"`
	UploadedAt *time.Time `json:"uploadedAt"`
}

func missing(payload, field string) error {
	return &domain.PayloadError{Payload: payload, Field: field}
}

func required(payload, field string, v *string) (string, error) {
	if v == nil || *v == "" {
		return "", missing(payload, field)
	}
	return *v, nil
}

func (q wireQueue) toDomain() ([]domain.Order, error) {
	if q.Orders == nil {
		return nil, missing("queue", "orders")
	}
	orders := make([]domain.Order, 0, len(*q.Orders))
	for i, w := range *q.Orders {
		o, err := w.toDomain(fmt.Sprintf("orders[%d]", i))
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

func (w wirePatient) toDomain(payload, prefix string) (domain.Patient, error) {
	id, err := required(payload, prefix+".id", w.ID)
	if err != nil {
		return domain.Patient{}, err
	}
	name, err := required(payload, prefix+".name", w.Name)
	if err != nil {
		return domain.Patient{}, err
	}
	p := domain.Patient{ID: id, Name: name, Sex: w.Sex, Phone: w.Phone}
	if w.DateOfBirth != nil {
		p.DateOfBirth = *w.DateOfBirth
	}
	return p, nil
}

func (w wireOrder) toDomain(prefix string) (*domain.Order, error) {
	id, err := required("order", prefix+".id", w.ID)
	if err != nil {
		return nil, err
	}
	if w.Patient == nil {
		return nil, missing("order", prefix+".patient")
	}
	patient, err := w.Patient.toDomain("order", prefix+".patient")
	if err != nil {
		return nil, err
	}
	statusText, err := required("order", prefix+".status", w.Status)
	if err != nil {
		return nil, err
	}
	status := domain.OrderStatus(statusText)
	if !status.IsValid() {
		return nil, &domain.PayloadError{Payload: "order", Field: prefix + ".status", Reason: fmt.Sprintf("has unknown value %q", statusText)}
	}

	o := &domain.Order{
		ID:                 id,
		Patient:            patient,
		TreatmentID:        w.TreatmentID,
		ReferringPhysician: w.ReferringPhysician,
		Status:             status,
		Tests:              make([]domain.Test, 0, len(w.Tests)),
	}
	if w.CreatedAt != nil {
		o.CreatedAt = *w.CreatedAt
	}

	for i, wt := range w.Tests {
		tp := fmt.Sprintf("%s.tests[%d]", prefix, i)
		tid, err := required("order", tp+".id", wt.ID)
		if err != nil {
			return nil, err
		}
		name, err := required("order", tp+".name", wt.Name)
		if err != nil {
			return nil, err
		}
		defID, err := required("order", tp+".definitionId", wt.DefinitionID)
		if err != nil {
			return nil, err
		}
		st, err := required("order", tp+".status", wt.Status)
		if err != nil {
			return nil, err
		}
		ts := domain.TestStatus(st)
		if !ts.IsValid() {
			return nil, &domain.PayloadError{Payload: "order", Field: tp + ".status", Reason: fmt.Sprintf("has unknown value %q", st)}
		}
		o.Tests = append(o.Tests, domain.Test{
			ID:               tid,
			OrderID:          id,
			Code:             wt.Code,
			Name:             name,
			SampleType:       wt.SampleType,
			Method:           wt.Method,
			TurnaroundTarget: time.Duration(wt.TurnaroundMinutes) * time.Minute,
			Status:           ts,
			DefinitionID:     defID,
		})
	}
	return o, nil
}

func (w wireTestDefinition) toDomain() (*domain.TestDefinition, error) {
	id, err := required("test definition", "id", w.ID)
	if err != nil {
		return nil, err
	}
	if w.Parameters == nil {
		return nil, missing("test definition", "parameters")
	}

	def := &domain.TestDefinition{ID: id, Name: w.Name, Parameters: make([]domain.Parameter, 0, len(*w.Parameters))}
	for i, wp := range *w.Parameters {
		pp := fmt.Sprintf("parameters[%d]", i)
		pid, err := required("test definition", pp+".id", wp.ID)
		if err != nil {
			return nil, err
		}
		name, err := required("test definition", pp+".name", wp.Name)
		if err != nil {
			return nil, err
		}

		p := domain.Parameter{ID: pid, Name: name, Unit: wp.Unit, Optional: wp.Optional}
		for j, wr := range wp.Ranges {
			rp := fmt.Sprintf("%s.ranges[%d]", pp, j)
			if wr.Min == nil {
				return nil, missing("test definition", rp+".min")
			}
			if wr.Max == nil {
				return nil, missing("test definition", rp+".max")
			}
			if *wr.Min > *wr.Max {
				return nil, &domain.PayloadError{Payload: "test definition", Field: rp, Reason: "has min greater than max"}
			}
			p.Ranges = append(p.Ranges, domain.ReferenceRange{Sex: wr.Sex, Min: *wr.Min, Max: *wr.Max})
		}
		if wp.Critical != nil && (wp.Critical.Low != nil || wp.Critical.High != nil) {
			p.Critical = &domain.CriticalValues{Low: wp.Critical.Low, High: wp.Critical.High}
		}
		def.Parameters = append(def.Parameters, p)
	}
	return def, nil
}

func draftToWire(r domain.DraftRecord) wireDraft {
	status := r.Status
	if status == "" {
		status = domain.DraftStatus
	}
	w := wireDraft{
		OrderID:        &r.OrderID,
		TestID:         &r.TestID,
		ParameterID:    &r.ParameterID,
		Value:          r.Value,
		NotApplicable:  r.NotApplicable,
		Flag:           string(r.Flag),
		Delta:          r.Delta,
		DeltaDirection: string(r.DeltaDirection),
		Status:         status,
		Revision:       r.Revision,
	}
	if !r.UpdatedAt.IsZero() {
		ts := r.UpdatedAt
		w.UpdatedAt = &ts
	}
	return w
}

func (b wireDraftBatch) toDomain() ([]domain.DraftRecord, error) {
	records := make([]domain.DraftRecord, 0, len(b.Drafts))
	for i, w := range b.Drafts {
		prefix := fmt.Sprintf("drafts[%d]", i)
		orderID, err := required("draft", prefix+".orderId", w.OrderID)
		if err != nil {
			return nil, err
		}
		testID, err := required("draft", prefix+".testId", w.TestID)
		if err != nil {
			return nil, err
		}
		paramID, err := required("draft", prefix+".parameterId", w.ParameterID)
		if err != nil {
			return nil, err
		}
		flag := domain.Flag(w.Flag)
		if w.Flag != "" && !flag.IsValid() {
			return nil, &domain.PayloadError{Payload: "draft", Field: prefix + ".flag", Reason: fmt.Sprintf("has unknown value %q", w.Flag)}
		}
		r := domain.DraftRecord{
			OrderID:        orderID,
			TestID:         testID,
			ParameterID:    paramID,
			Value:          w.Value,
			NotApplicable:  w.NotApplicable,
			Flag:           flag,
			Delta:          w.Delta,
			DeltaDirection: domain.DeltaDirection(w.DeltaDirection),
			Status:         w.Status,
			Revision:       w.Revision,
		}
		if r.Status == "" {
			r.Status = domain.DraftStatus
		}
		if w.UpdatedAt != nil {
			r.UpdatedAt = *w.UpdatedAt
		}
		records = append(records, r)
	}
	return records, nil
}

func (w wireReportDetail) toDomain() (*domain.ReportDetail, error) {
	orderID, err := required("report detail", "orderId", w.OrderID)
	if err != nil {
		return nil, err
	}
	if w.Patient == nil {
		return nil, missing("report detail", "patient")
	}
	patient, err := w.Patient.toDomain("report detail", "patient")
	if err != nil {
		return nil, err
	}
	if w.Tests == nil {
		return nil, missing("report detail", "tests")
	}

	detail := &domain.ReportDetail{
		OrderID:            orderID,
		Patient:            patient,
		TreatmentID:        w.TreatmentID,
		ReferringPhysician: w.ReferringPhysician,
		Tests:              make([]domain.ReportTest, 0, len(*w.Tests)),
	}
	for i, wt := range *w.Tests {
		tp := fmt.Sprintf("tests[%d]", i)
		testID, err := required("report detail", tp+".testId", wt.TestID)
		if err != nil {
			return nil, err
		}
		name, err := required("report detail", tp+".name", wt.Name)
		if err != nil {
			return nil, err
		}
		rt := domain.ReportTest{TestID: testID, Name: name, Parameters: make([]domain.ReportParameter, 0, len(wt.Parameters))}
		for j, wp := range wt.Parameters {
			pname, err := required("report detail", fmt.Sprintf("%s.parameters[%d].name", tp, j), wp.Name)
			if err != nil {
				return nil, err
			}
			rp := domain.ReportParameter{Name: pname, Value: wp.Value, Unit: wp.Unit, NotApplicable: wp.NotApplicable}
			if wp.Range != nil {
				rp.Range.CriticalLow = wp.Range.CriticalLow
				rp.Range.CriticalHigh = wp.Range.CriticalHigh
				if wp.Range.Min != nil && wp.Range.Max != nil {
					rp.Range.Min = *wp.Range.Min
					rp.Range.Max = *wp.Range.Max
					rp.Range.Known = true
				}
			}
			rt.Parameters = append(rt.Parameters, rp)
		}
		detail.Tests = append(detail.Tests, rt)
	}
	return detail, nil
}

func (w wireUploadReceipt) toDomain() (*domain.UploadReceipt, error) {
	location, err := required("upload receipt", "location", w.Location)
	if err != nil {
		return nil, err
	}
	receipt := &domain.UploadReceipt{Location: location, UploadedAt: time.Now().UTC()}
	if w.UploadedAt != nil {
		receipt.UploadedAt = *w.UploadedAt
	}
	return receipt, nil
}
