package labapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-validation-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(domain.LabAPIConfig{
		BaseURL:   server.URL + "/api/",
		APIKey:    "secret",
		Timeout:   5 * time.Second,
		RateLimit: 1000,
		Burst:     100,
	}, testLogger())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestClient_FetchQueue(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expectCount int
		expectField string
		expectErr   error
	}{
		{
			name:   "decodes orders",
			status: http.StatusOK,
			body: `{"orders":[{"id":"o-1","status":"Processing","treatmentId":"tr-1",
				"patient":{"id":"p-1","name":"Jane Roe","sex":"Female"},
				"tests":[{"id":"t-1","name":"CBC","status":"Processing","definitionId":"def-cbc","turnaroundMinutes":90}]}]}`,
			expectCount: 1,
		},
		{
			name:        "missing orders field",
			status:      http.StatusOK,
			body:        `{}`,
			expectField: "orders",
		},
		{
			name:        "missing patient name",
			status:      http.StatusOK,
			body:        `{"orders":[{"id":"o-1","status":"Processing","patient":{"id":"p-1"},"tests":[]}]}`,
			expectField: "orders[0].patient.name",
		},
		{
			name:        "unknown test status",
			status:      http.StatusOK,
			body:        `{"orders":[{"id":"o-1","status":"Processing","patient":{"id":"p-1","name":"A"},"tests":[{"id":"t-1","name":"CBC","status":"Lost","definitionId":"d"}]}]}`,
			expectField: "orders[0].tests[0].status",
		},
		{
			name:      "not found",
			status:    http.StatusNotFound,
			body:      `{"message":"no such queue"}`,
			expectErr: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/lab/queues/processing", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				writeJSON(w, tt.status, tt.body)
			}))

			orders, err := client.FetchQueue(context.Background(), domain.QueueProcessing)

			switch {
			case tt.expectField != "":
				var payloadErr *domain.PayloadError
				require.ErrorAs(t, err, &payloadErr)
				assert.Equal(t, tt.expectField, payloadErr.Field)
			case tt.expectErr != nil:
				assert.ErrorIs(t, err, tt.expectErr)
			default:
				require.NoError(t, err)
				require.Len(t, orders, tt.expectCount)
				order := orders[0]
				assert.Equal(t, "o-1", order.ID)
				assert.Equal(t, domain.OrderProcessing, order.Status)
				assert.Equal(t, "Female", order.Patient.Sex)
				require.Len(t, order.Tests, 1)
				assert.Equal(t, "o-1", order.Tests[0].OrderID)
				assert.Equal(t, 90*time.Minute, order.Tests[0].TurnaroundTarget)
			}
		})
	}
}

func TestClient_FetchTestDefinition(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/lab/test-definitions/def-cbc":
			writeJSON(w, http.StatusOK, `{"id":"def-cbc","name":"CBC","parameters":[
				{"id":"hb","name":"Hemoglobin","unit":"g/dL",
				 "ranges":[{"sex":"male","min":13.5,"max":17.5},{"sex":"female","min":12,"max":15.5}],
				 "critical":{"low":7,"high":20}},
				{"id":"note","name":"Comment","optional":true}]}`)
		case "/api/lab/test-definitions/bad-range":
			writeJSON(w, http.StatusOK, `{"id":"bad-range","parameters":[{"id":"x","name":"X","ranges":[{"min":5,"max":1}]}]}`)
		default:
			writeJSON(w, http.StatusOK, `{"id":"no-params"}`)
		}
	}))
	ctx := context.Background()

	def, err := client.FetchTestDefinition(ctx, "def-cbc")
	require.NoError(t, err)
	require.Len(t, def.Parameters, 2)
	hb := def.Parameters[0]
	assert.Len(t, hb.Ranges, 2)
	require.NotNil(t, hb.Critical)
	assert.Equal(t, 7.0, *hb.Critical.Low)
	assert.Nil(t, def.Parameters[1].Critical)
	assert.True(t, def.Parameters[1].Optional)

	_, err = client.FetchTestDefinition(ctx, "bad-range")
	var payloadErr *domain.PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, "parameters[0].ranges[0]", payloadErr.Field)

	_, err = client.FetchTestDefinition(ctx, "no-params")
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, "parameters", payloadErr.Field)
}

func TestClient_Drafts(t *testing.T) {
	var received wireDraftBatch
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			writeJSON(w, http.StatusOK, `{"drafts":[{"orderId":"o-1","testId":"t-1","parameterId":"hb","value":"5.2","flag":"Low","status":"draft","revision":4,"updatedAt":"2024-05-01T10:00:00Z"}]}`)
		case http.MethodGet:
			assert.Equal(t, "o-1", r.URL.Query().Get("orderId"))
			assert.Equal(t, "t-1", r.URL.Query().Get("testId"))
			writeJSON(w, http.StatusOK, `{"drafts":[{"orderId":"o-1","testId":"t-1","parameterId":"hb","value":"5.2","flag":"Low","revision":4}]}`)
		}
	}))
	ctx := context.Background()

	records := []domain.DraftRecord{{OrderID: "o-1", TestID: "t-1", ParameterID: "hb", Value: "5.2", Flag: domain.FlagLow, Revision: 3}}
	require.NoError(t, client.SaveDrafts(ctx, records))

	require.Len(t, received.Drafts, 1)
	assert.Equal(t, "5.2", received.Drafts[0].Value)
	assert.Equal(t, domain.DraftStatus, received.Drafts[0].Status)
	assert.Equal(t, int64(3), received.Drafts[0].Revision)
	assert.Equal(t, int64(4), records[0].Revision)
	assert.Equal(t, 2024, records[0].UpdatedAt.Year())

	loaded, err := client.LoadDrafts(ctx, "o-1", "t-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "5.2", loaded[0].Value)
	assert.Equal(t, domain.DraftStatus, loaded[0].Status)
}

func TestClient_SaveDraftsConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"error":"revision mismatch"}`)
	}))

	err := client.SaveDrafts(context.Background(), []domain.DraftRecord{{OrderID: "o", TestID: "t", ParameterID: "p", Revision: 1}})
	assert.ErrorIs(t, err, domain.ErrStaleRevision)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "revision mismatch", apiErr.Message)
	assert.False(t, apiErr.Temporary())
}

func TestClient_WorkflowCalls(t *testing.T) {
	type call struct {
		path string
		body map[string]interface{}
	}
	var calls []call
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{path: r.URL.Path}
		if r.ContentLength > 0 {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
		}
		calls = append(calls, c)
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()

	require.NoError(t, client.SubmitTest(ctx, "o-1", "t-1"))
	require.NoError(t, client.Approve(ctx, "o-1", []string{"t-1", "t-2"}, "looks fine"))
	require.NoError(t, client.RequestRetest(ctx, "o-1", []string{"t-2"}, "haemolysed"))

	require.Len(t, calls, 3)
	assert.Equal(t, "/api/lab/orders/o-1/tests/t-1/submit", calls[0].path)
	assert.Equal(t, "/api/lab/orders/o-1/approve", calls[1].path)
	assert.Equal(t, []interface{}{"t-1", "t-2"}, calls[1].body["testIds"])
	assert.Equal(t, "looks fine", calls[1].body["comments"])
	assert.Equal(t, "/api/lab/orders/o-1/retest", calls[2].path)
	assert.Equal(t, "haemolysed", calls[2].body["reason"])
}

func TestClient_FetchReportDetail(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lab/orders/o-1/report-detail", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"orderId":"o-1","treatmentId":"tr-9",
			"patient":{"id":"p-1","name":"Jane Roe","sex":"female"},
			"tests":[{"testId":"t-1","name":"CBC","parameters":[
				{"name":"Hemoglobin","value":"11.2","unit":"g/dL","referenceRange":{"min":12,"max":15.5,"criticalLow":7}},
				{"name":"Comment","value":"see note"}]}]}`)
	}))

	detail, err := client.FetchReportDetail(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "tr-9", detail.TreatmentID)
	require.Len(t, detail.Tests, 1)
	params := detail.Tests[0].Parameters
	require.Len(t, params, 2)
	assert.True(t, params[0].Range.Known)
	assert.Equal(t, 12.0, params[0].Range.Min)
	require.NotNil(t, params[0].Range.CriticalLow)
	assert.False(t, params[1].Range.Known)
}

func TestClient_Upload(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lab/reports", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "rep-1", r.FormValue("reportId"))
		assert.Equal(t, "p-1", r.FormValue("patientId"))
		assert.Equal(t, "tr-1", r.FormValue("treatmentId"))
		assert.JSONEq(t, `["t-1","t-2"]`, r.FormValue("testIds"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "report-o-1.pdf", header.Filename)
		content, _ := io.ReadAll(file)
		assert.Equal(t, "%PDF-1.3 test", string(content))

		writeJSON(w, http.StatusCreated, `{"location":"reports/rep-1.pdf","uploadedAt":"2024-05-01T10:00:00Z"}`)
	}))

	receipt, err := client.Upload(context.Background(), &domain.ReportArtifact{
		ReportID:    "rep-1",
		FileName:    "report-o-1.pdf",
		ContentType: "application/pdf",
		Document:    []byte("%PDF-1.3 test"),
		OrderID:     "o-1",
		PatientID:   "p-1",
		TreatmentID: "tr-1",
		TestIDs:     []string{"t-1", "t-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reports/rep-1.pdf", receipt.Location)
}

func TestClient_EmptyBodyIsPayloadError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	_, err := client.FetchReportDetail(context.Background(), "o-1")
	var payloadErr *domain.PayloadError
	require.ErrorAs(t, err, &payloadErr)
	assert.Equal(t, "body", payloadErr.Field)
}

func TestClient_ContextCancelled(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"orders":[]}`)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchQueue(ctx, domain.QueueCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAPIError_Temporary(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 503}).Temporary())
	assert.True(t, (&APIError{StatusCode: 429}).Temporary())
	assert.False(t, (&APIError{StatusCode: 400}).Temporary())
	assert.Contains(t, (&APIError{Method: "GET", Path: "/x", StatusCode: 500}).Error(), "status 500")
}
