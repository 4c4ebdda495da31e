package main

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzip"
)

func newTestRouter(t *testing.T) (*httprouter.Router, *Store) {
	t.Helper()

	cfg := &Config{database: ":memory:", duration: 5 * time.Minute, perturbationMax: 50}
	store := newTestStore(t)
	errs := make(chan error, 64)

	mux := httprouter.New()
	mux.POST("/api/experiments", serveCreateExperiment(cfg, store, errs))
	mux.GET("/api/experiments/:id/data", serveMovementData(cfg, store, errs))
	mux.GET("/api/experiments/:id/export", serveMovementExport(cfg, store, errs))
	mux.GET("/qr", serveJoinQR(cfg))

	return mux, store
}

func TestCreateExperimentEndpoint(t *testing.T) {
	mux, store := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/experiments", strings.NewReader(`{"name":"pilot run"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["id"] == "" || body["name"] != "pilot run" {
		t.Fatalf("body = %+v", body)
	}

	exists, err := store.ExperimentExists(body["id"])
	if err != nil || !exists {
		t.Fatalf("created experiment missing: %v, %v", exists, err)
	}
}

func TestCreateExperimentEndpointRejectsBadBody(t *testing.T) {
	mux, _ := newTestRouter(t)

	for _, body := range []string{``, `{}`, `not json`} {
		req := httptest.NewRequest("POST", "/api/experiments", strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestMovementDataEndpoint(t *testing.T) {
	mux, store := newTestRouter(t)

	if _, _, err := store.EnsureExperiment("E1", testDefaults()); err != nil {
		t.Fatalf("EnsureExperiment: %v", err)
	}
	pid, err := store.CreateParticipant("E1", "alice")
	if err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	if err := store.InsertMovement(pid, Point{X: 5, Y: 6}, 42, time.UnixMilli(1_700_000_000_000)); err != nil {
		t.Fatalf("InsertMovement: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/experiments/E1/data", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var rows []MovementRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(rows) != 1 || rows[0].ParticipantName != "alice" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestMovementDataEndpointUnknownExperiment(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/experiments/nope/data", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMovementExportGzip(t *testing.T) {
	mux, store := newTestRouter(t)

	if _, _, err := store.EnsureExperiment("E1", testDefaults()); err != nil {
		t.Fatalf("EnsureExperiment: %v", err)
	}
	pid, err := store.CreateParticipant("E1", "alice")
	if err != nil {
		t.Fatalf("CreateParticipant: %v", err)
	}
	if err := store.InsertMovement(pid, Point{X: 5, Y: 6}, 42, time.UnixMilli(1_700_000_000_000)); err != nil {
		t.Fatalf("InsertMovement: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/experiments/E1/export", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatal("response not gzip-encoded")
	}

	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	records, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		t.Fatalf("csv read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("csv rows = %d, want header + 1", len(records))
	}
	if records[0][0] != "participant_id" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][1] != "alice" {
		t.Errorf("row = %v", records[1])
	}
}

func TestMovementsCSV(t *testing.T) {
	rows := []MovementRow{
		{ParticipantID: 1, ParticipantName: "alice", X: 1.5, Y: 2.5, SignalValue: 33.25, Timestamp: time.UnixMilli(1_700_000_000_000)},
		{ParticipantID: 2, ParticipantName: "bob", X: 3, Y: 4, SignalValue: 90, Timestamp: time.UnixMilli(1_700_000_000_500)},
	}

	data, err := movementsCSV(rows)
	if err != nil {
		t.Fatalf("movementsCSV: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("csv read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[1][0] != "1" || records[1][1] != "alice" || records[1][2] != "1.5" {
		t.Errorf("row 1 = %v", records[1])
	}
}

func TestJoinQREndpoint(t *testing.T) {
	mux, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/qr?experiment=E1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.Len() == 0 {
		t.Error("empty png body")
	}

	req = httptest.NewRequest("GET", "/qr", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing experiment id: status = %d, want 400", rec.Code)
	}
}
