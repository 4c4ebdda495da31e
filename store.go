package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the persistence gateway. Durability is best-effort from the
// hub's point of view: a failed write loses that sample only and never
// blocks the live event path.
type Store struct {
	db *sql.DB
}

// ExperimentRecord is the persisted configuration of one experiment.
type ExperimentRecord struct {
	ID              string
	Name            string
	PerceptionRange float64
	GlobalOptimum   Point
	LocalOptima     []LocalOptimum
}

// MovementRow is one exported movement sample, joined with the
// participant's name.
type MovementRow struct {
	ParticipantID   int64     `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	SignalValue     float64   `json:"signalValue"`
	Timestamp       time.Time `json:"timestamp"`
}

func openStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty database path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy movement log.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			perception_range REAL NOT NULL,
			global_x REAL NOT NULL,
			global_y REAL NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS participants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS movements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			signal_value REAL NOT NULL,
			timestamp INTEGER NOT NULL,
			FOREIGN KEY (participant_id) REFERENCES participants(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS local_optima (
			experiment_id TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			base_x REAL NOT NULL,
			base_y REAL NOT NULL,
			strength REAL NOT NULL,
			FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_movements_participant ON movements(participant_id);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_experiment ON participants(experiment_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExperiment inserts a new experiment row with the given ID and
// defaults, including the default local optima set.
func (s *Store) CreateExperiment(id, name string, rec ExperimentRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO experiments (id, name, perception_range, global_x, global_y) VALUES (?, ?, ?, ?, ?)`,
		id, name, rec.PerceptionRange, rec.GlobalOptimum.X, rec.GlobalOptimum.Y,
	)
	if err != nil {
		return err
	}

	for _, o := range rec.LocalOptima {
		_, err = tx.Exec(
			`INSERT INTO local_optima (experiment_id, x, y, base_x, base_y, strength) VALUES (?, ?, ?, ?, ?, ?)`,
			id, o.Position.X, o.Position.Y, o.Base.X, o.Base.Y, o.Strength,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// EnsureExperiment returns the stored configuration for id, creating the
// row with the supplied defaults if it does not exist yet. The second
// return value reports whether a new row was created.
func (s *Store) EnsureExperiment(id string, defaults ExperimentRecord) (ExperimentRecord, bool, error) {
	rec := ExperimentRecord{ID: id}

	row := s.db.QueryRow(`SELECT name, perception_range, global_x, global_y FROM experiments WHERE id = ?`, id)
	err := row.Scan(&rec.Name, &rec.PerceptionRange, &rec.GlobalOptimum.X, &rec.GlobalOptimum.Y)
	if errors.Is(err, sql.ErrNoRows) {
		defaults.ID = id
		defaults.Name = fmt.Sprintf("Experiment %s", id)
		if err := s.CreateExperiment(id, defaults.Name, defaults); err != nil {
			return ExperimentRecord{}, false, err
		}
		return defaults, true, nil
	}
	if err != nil {
		return ExperimentRecord{}, false, err
	}

	optima, err := s.localOptima(id)
	if err != nil {
		return ExperimentRecord{}, false, err
	}
	if len(optima) == 0 {
		optima = defaults.LocalOptima
	}
	rec.LocalOptima = optima

	return rec, false, nil
}

func (s *Store) localOptima(id string) ([]LocalOptimum, error) {
	rows, err := s.db.Query(`SELECT x, y, base_x, base_y, strength FROM local_optima WHERE experiment_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var optima []LocalOptimum
	for rows.Next() {
		var o LocalOptimum
		if err := rows.Scan(&o.Position.X, &o.Position.Y, &o.Base.X, &o.Base.Y, &o.Strength); err != nil {
			return nil, err
		}
		optima = append(optima, o)
	}
	return optima, rows.Err()
}

func (s *Store) ExperimentExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM experiments WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateParticipant(experimentID, name string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO participants (experiment_id, name) VALUES (?, ?)`, experimentID, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) InsertMovement(participantID int64, p Point, signalValue float64, ts time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO movements (participant_id, x, y, signal_value, timestamp) VALUES (?, ?, ?, ?, ?)`,
		participantID, p.X, p.Y, signalValue, ts.UnixMilli(),
	)
	return err
}

func (s *Store) UpdatePerceptionRange(experimentID string, r float64) error {
	_, err := s.db.Exec(`UPDATE experiments SET perception_range = ? WHERE id = ?`, r, experimentID)
	return err
}

func (s *Store) UpdateGlobalOptimum(experimentID string, p Point) error {
	_, err := s.db.Exec(`UPDATE experiments SET global_x = ?, global_y = ? WHERE id = ?`, p.X, p.Y, experimentID)
	return err
}

// ReplaceLocalOptima overwrites the persisted local optima set for an
// experiment in a single transaction.
func (s *Store) ReplaceLocalOptima(experimentID string, optima []LocalOptimum) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM local_optima WHERE experiment_id = ?`, experimentID); err != nil {
		return err
	}
	for _, o := range optima {
		_, err = tx.Exec(
			`INSERT INTO local_optima (experiment_id, x, y, base_x, base_y, strength) VALUES (?, ?, ?, ?, ?, ?)`,
			experimentID, o.Position.X, o.Position.Y, o.Base.X, o.Base.Y, o.Strength,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MovementRows returns all recorded movements for an experiment in
// timestamp order.
func (s *Store) MovementRows(experimentID string) ([]MovementRow, error) {
	rows, err := s.db.Query(`
		SELECT m.participant_id, p.name, m.x, m.y, m.signal_value, m.timestamp
		FROM movements m
		JOIN participants p ON m.participant_id = p.id
		WHERE p.experiment_id = ?
		ORDER BY m.timestamp, m.id`,
		experimentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MovementRow
	for rows.Next() {
		var r MovementRow
		var ts int64
		if err := rows.Scan(&r.ParticipantID, &r.ParticipantName, &r.X, &r.Y, &r.SignalValue, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearExperiment deletes collected data while keeping the experiment
// configuration. Participants listed in keep survive with their movement
// history wiped, so still-connected participants retain a valid row;
// everyone else is removed (movements follow via cascade).
func (s *Store) ClearExperiment(experimentID string, keep []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	keepSet := make(map[int64]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}

	rows, err := tx.Query(`SELECT id FROM participants WHERE experiment_id = ?`, experimentID)
	if err != nil {
		return err
	}
	var drop []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		if !keepSet[id] {
			drop = append(drop, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, id := range drop {
		if _, err := tx.Exec(`DELETE FROM participants WHERE id = ?`, id); err != nil {
			return err
		}
	}
	for _, id := range keep {
		if _, err := tx.Exec(`DELETE FROM movements WHERE participant_id = ?`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}
