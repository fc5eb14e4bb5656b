package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) RecordOrder(e OrderEvent) error {
	_, err := j.db.Exec(`
		INSERT INTO orders
		(event_id, time, op, side, price, size, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Time, e.Op, e.Side, e.Price, e.Size, e.Outcome,
	)
	return err
}

func (j *SQLiteJournal) RecordFlatten(e FlattenEvent) error {
	_, err := j.db.Exec(`
		INSERT INTO flattens
		(event_id, time, reason, mode, balance, total_asset, position_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Time, e.Reason, e.Mode, e.Balance, e.TotalAsset, e.PositionSize,
	)
	return err
}

// ListFlattens returns flatten events newest first.
func (j *SQLiteJournal) ListFlattens(limit int) ([]FlattenEvent, error) {
	rows, err := j.db.Query(`
		SELECT event_id, time, reason, mode, balance, total_asset, position_size
		FROM flattens ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FlattenEvent
	for rows.Next() {
		var e FlattenEvent
		if err := rows.Scan(&e.EventID, &e.Time, &e.Reason, &e.Mode, &e.Balance, &e.TotalAsset, &e.PositionSize); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
