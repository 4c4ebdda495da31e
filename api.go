package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzip"
	"github.com/skip2/go-qrcode"
)

// serveCreateExperiment handles POST /api/experiments: creates a new
// experiment row with default field configuration and returns its ID.
func serveCreateExperiment(cfg *Config, store *Store, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id := uuid.NewString()
		err := store.CreateExperiment(id, body.Name, ExperimentRecord{
			PerceptionRange: defaultPerceptionRange,
			GlobalOptimum:   defaultGlobalOptimum,
			LocalOptima:     defaultLocalOptima(),
		})
		if err != nil {
			logf(cfg, "API: create experiment failed: %v", err)
			http.Error(w, "unable to create experiment", http.StatusInternalServerError)
			return
		}

		logf(cfg, "API: Created experiment %q (%s) for %s", body.Name, id, realIP(r))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(map[string]string{
			"id":   id,
			"name": body.Name,
		}); err != nil {
			errs <- err
		}
	}
}

// serveMovementData handles GET /api/experiments/:id/data: all recorded
// movement rows for an experiment, in timestamp order, as JSON.
func serveMovementData(cfg *Config, store *Store, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")

		exists, err := store.ExperimentExists(id)
		if err != nil {
			logf(cfg, "API: experiment lookup failed: %v", err)
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "experiment not found", http.StatusNotFound)
			return
		}

		rows, err := store.MovementRows(id)
		if err != nil {
			logf(cfg, "API: movement query failed: %v", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []MovementRow{}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(rows); err != nil {
			errs <- err
		}
	}
}

// serveMovementExport handles GET /api/experiments/:id/export: the
// movement log as a CSV attachment, gzip-compressed when the client
// accepts it.
func serveMovementExport(cfg *Config, store *Store, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()
		id := ps.ByName("id")

		exists, err := store.ExperimentExists(id)
		if err != nil {
			logf(cfg, "API: experiment lookup failed: %v", err)
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "experiment not found", http.StatusNotFound)
			return
		}

		rows, err := store.MovementRows(id)
		if err != nil {
			logf(cfg, "API: movement query failed: %v", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}

		data, err := movementsCSV(rows)
		if err != nil {
			logf(cfg, "API: csv encode failed: %v", err)
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}

		useGzip := strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
		if useGzip {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(data); err == nil && gz.Close() == nil {
				data = buf.Bytes()
				w.Header().Set("Content-Encoding", "gzip")
			}
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="experiment-`+id+`.csv"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		written, err := w.Write(data)
		if err != nil {
			errs <- err
			return
		}

		logf(cfg, "API: Exported %d rows (%s) for %q to %s in %s",
			len(rows),
			humanReadableSize(int64(written)),
			id,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func movementsCSV(rows []MovementRow) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	if err := cw.Write([]string{"participant_id", "participant_name", "x", "y", "signal_value", "timestamp"}); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.ParticipantID, 10),
			row.ParticipantName,
			strconv.FormatFloat(row.X, 'f', -1, 64),
			strconv.FormatFloat(row.Y, 'f', -1, 64),
			strconv.FormatFloat(row.SignalValue, 'f', -1, 64),
			row.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(record); err != nil {
			return nil, err
		}
	}

	cw.Flush()
	return buf.Bytes(), cw.Error()
}

// serveJoinQR generates a PNG QR code for the experiment join URL, so an
// admin can put it on a projector for participants to scan.
func serveJoinQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		experimentID := r.URL.Query().Get("experiment")
		if experimentID == "" {
			http.Error(w, "missing experiment id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?experiment=" + experimentID

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}
