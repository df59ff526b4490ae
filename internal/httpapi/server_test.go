package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/txengine/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const chargebackScenario = `type,client,tx,amount
deposit,1,1,1.0
deposit,2,2,2.0
deposit,1,3,2.0
withdrawal,1,4,1.5
withdrawal,2,5,3.0
dispute,1,1,
chargeback,1,1,
`

type recordingExporter struct {
	mutex     sync.Mutex
	runs      []gormstore.Run
	snapshots [][]ledger.AccountSnapshot
	err       error
}

func (exporter *recordingExporter) ExportRun(ctx context.Context, run gormstore.Run, snapshots iter.Seq[ledger.AccountSnapshot]) error {
	exporter.mutex.Lock()
	defer exporter.mutex.Unlock()
	if exporter.err != nil {
		return exporter.err
	}
	exporter.runs = append(exporter.runs, run)
	exporter.snapshots = append(exporter.snapshots, slices.Collect(snapshots))
	return nil
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, nil)
	recorder := performRequest(router, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"status":"ok"`) {
		test.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestSnapshotChargebackScenario(test *testing.T) {
	test.Parallel()
	exporter := &recordingExporter{}
	router := newTestRouter(test, exporter)

	recorder := performRequest(router, http.MethodPost, "/v1/snapshots", chargebackScenario)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response snapshotResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	expectedAccounts := []accountPayload{
		{Client: 1, Available: "0.5000", Held: "0.0000", Total: "0.5000", Locked: true},
		{Client: 2, Available: "2.0000", Held: "0.0000", Total: "2.0000", Locked: false},
	}
	if !slices.Equal(response.Accounts, expectedAccounts) {
		test.Fatalf("expected accounts %+v, got %+v", expectedAccounts, response.Accounts)
	}
	expectedSummary := ledger.Summary{Applied: 6, IgnoredInvalidReference: 1}
	if response.Summary != expectedSummary {
		test.Fatalf("expected summary %+v, got %+v", expectedSummary, response.Summary)
	}
	runID, err := uuid.Parse(response.RunID)
	if err != nil {
		test.Fatalf("run id %q: %v", response.RunID, err)
	}

	if len(exporter.runs) != 1 {
		test.Fatalf("expected one exported run, got %d", len(exporter.runs))
	}
	if exporter.runs[0].RunID != runID || exporter.runs[0].Summary != expectedSummary {
		test.Fatalf("unexpected exported run %+v", exporter.runs[0])
	}
	if len(exporter.snapshots[0]) != 2 || !exporter.snapshots[0][0].Locked {
		test.Fatalf("unexpected exported snapshots %+v", exporter.snapshots[0])
	}
}

func TestSnapshotUploadsAreIsolated(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, nil)
	first := performRequest(router, http.MethodPost, "/v1/snapshots", "type,client,tx,amount\ndeposit,7,1,5.0\n")
	second := performRequest(router, http.MethodPost, "/v1/snapshots", "type,client,tx,amount\ndeposit,7,1,5.0\n")
	for _, recorder := range []*httptest.ResponseRecorder{first, second} {
		var response snapshotResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			test.Fatalf("decode response: %v", err)
		}
		if response.Summary.Applied != 1 || len(response.Accounts) != 1 || response.Accounts[0].Total != "5.0000" {
			test.Fatalf("expected an independent run, got %+v", response)
		}
	}
}

func TestSnapshotErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		body         string
		exporter     *recordingExporter
		expectedCode int
		expectedErr  string
	}{
		{
			name:         "empty body",
			body:         "",
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid_csv",
		},
		{
			name:         "missing column",
			body:         "type,client\ndeposit,1\n",
			expectedCode: http.StatusBadRequest,
			expectedErr:  "invalid_csv",
		},
		{
			name:         "body too large",
			body:         "type,client,tx,amount\n" + strings.Repeat("deposit,1,1,1.0\n", 64),
			expectedCode: http.StatusRequestEntityTooLarge,
			expectedErr:  "body_too_large",
		},
		{
			name:         "export failure",
			body:         chargebackScenario,
			exporter:     &recordingExporter{err: errors.New("database down")},
			expectedCode: http.StatusBadGateway,
			expectedErr:  "export_failed",
		},
	}

	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			var exporter Exporter
			if testCase.exporter != nil {
				exporter = testCase.exporter
			}
			cfg := Config{MaxBodyBytes: 512}
			if err := cfg.Validate(); err != nil {
				test.Fatalf("validate config: %v", err)
			}
			router := setupRouter(cfg, newHandler(cfg, zap.NewNop(), exporter))
			recorder := performRequest(router, http.MethodPost, "/v1/snapshots", testCase.body)
			if recorder.Code != testCase.expectedCode {
				test.Fatalf("expected %d, got %d: %s", testCase.expectedCode, recorder.Code, recorder.Body.String())
			}
			var response struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
				test.Fatalf("decode response: %v", err)
			}
			if response.Error.Code != testCase.expectedErr {
				test.Fatalf("expected error %q, got %q", testCase.expectedErr, response.Error.Code)
			}
		})
	}
}

func TestMetricsEndpoint(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, nil)
	performRequest(router, http.MethodPost, "/v1/snapshots", chargebackScenario)
	recorder := performRequest(router, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "txengine_processor_outcomes_total") {
		test.Fatalf("expected processor metrics in exposition")
	}
}

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate defaults: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.MaxBodyBytes != defaultMaxBodyBytes || len(cfg.AllowedOrigins) != 1 {
		test.Fatalf("defaults not applied: %+v", cfg)
	}

	invalid := []Config{
		{MaxBodyBytes: -1},
		{AllowedOrigins: []string{"example.com"}},
	}
	for _, cfg := range invalid {
		if err := cfg.Validate(); err == nil {
			test.Fatalf("expected %+v to be rejected", cfg)
		}
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , ,http://b.example:8080")
	expected := []string{"https://a.example", "http://b.example:8080"}
	if !slices.Equal(origins, expected) {
		test.Fatalf("expected %v, got %v", expected, origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		test.Fatalf("expected no origins for blank input")
	}
}

func newTestRouter(test *testing.T, exporter Exporter) http.Handler {
	test.Helper()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate config: %v", err)
	}
	return setupRouter(cfg, newHandler(cfg, zap.NewNop(), exporter))
}

func performRequest(handler http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "text/csv")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
