package db

import (
	"context"
	"database/sql"
	"time"
)

// Box mirrors one row of the boxes table.
type Box struct {
	ID         string
	Name       sql.NullString
	ConfigJSON []byte
	StateJSON  []byte
	CreatedAt  time.Time
}

const upsertBox = `
INSERT INTO boxes (id, name, config_json, state_json, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  config_json = excluded.config_json,
  state_json = excluded.state_json
`

func (q *BoxQueries) UpsertBox(ctx context.Context, b Box) error {
	_, err := q.db.ExecContext(ctx, upsertBox, b.ID, b.Name, b.ConfigJSON, b.StateJSON, b.CreatedAt)
	return err
}

const updateBoxState = `UPDATE boxes SET state_json = ? WHERE id = ?`

func (q *BoxQueries) UpdateBoxState(ctx context.Context, id string, stateJSON []byte) error {
	_, err := q.db.ExecContext(ctx, updateBoxState, stateJSON, id)
	return err
}

const getBox = `SELECT id, name, config_json, state_json, created_at FROM boxes WHERE id = ?`

func (q *BoxQueries) GetBox(ctx context.Context, id string) (Box, error) {
	var b Box
	err := q.db.QueryRowContext(ctx, getBox, id).Scan(&b.ID, &b.Name, &b.ConfigJSON, &b.StateJSON, &b.CreatedAt)
	return b, err
}

const getBoxByName = `SELECT id, name, config_json, state_json, created_at FROM boxes WHERE name = ?`

func (q *BoxQueries) GetBoxByName(ctx context.Context, name string) (Box, error) {
	var b Box
	err := q.db.QueryRowContext(ctx, getBoxByName, name).Scan(&b.ID, &b.Name, &b.ConfigJSON, &b.StateJSON, &b.CreatedAt)
	return b, err
}

const getBoxByPrefix = `SELECT id, name, config_json, state_json, created_at FROM boxes WHERE id LIKE ? || '%'`

func (q *BoxQueries) GetBoxByPrefix(ctx context.Context, prefix string) ([]Box, error) {
	rows, err := q.db.QueryContext(ctx, getBoxByPrefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Box
	for rows.Next() {
		var b Box
		if err := rows.Scan(&b.ID, &b.Name, &b.ConfigJSON, &b.StateJSON, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const listBoxes = `SELECT id, name, config_json, state_json, created_at FROM boxes ORDER BY created_at ASC`

func (q *BoxQueries) ListBoxes(ctx context.Context) ([]Box, error) {
	rows, err := q.db.QueryContext(ctx, listBoxes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Box
	for rows.Next() {
		var b Box
		if err := rows.Scan(&b.ID, &b.Name, &b.ConfigJSON, &b.StateJSON, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const deleteBox = `DELETE FROM boxes WHERE id = ?`

func (q *BoxQueries) DeleteBox(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deleteBox, id)
	return err
}

const reserveName = `INSERT INTO name_reservations (name, box_id, acquired_at) VALUES (?, ?, ?)`

func (q *BoxQueries) ReserveName(ctx context.Context, name, boxID string, acquiredAt time.Time) error {
	_, err := q.db.ExecContext(ctx, reserveName, name, boxID, acquiredAt)
	return err
}

const releaseName = `DELETE FROM name_reservations WHERE name = ?`

func (q *BoxQueries) ReleaseName(ctx context.Context, name string) error {
	_, err := q.db.ExecContext(ctx, releaseName, name)
	return err
}

const reservePort = `INSERT INTO ports_reserved (host_port, proto, box_id) VALUES (?, ?, ?)`

func (q *BoxQueries) ReservePort(ctx context.Context, hostPort int, proto, boxID string) error {
	_, err := q.db.ExecContext(ctx, reservePort, hostPort, proto, boxID)
	return err
}

const releasePortsForBox = `DELETE FROM ports_reserved WHERE box_id = ?`

func (q *BoxQueries) ReleasePortsForBox(ctx context.Context, boxID string) error {
	_, err := q.db.ExecContext(ctx, releasePortsForBox, boxID)
	return err
}

const isPortReserved = `SELECT COUNT(*) FROM ports_reserved WHERE host_port = ? AND proto = ?`

func (q *BoxQueries) IsPortReserved(ctx context.Context, hostPort int, proto string) (bool, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, isPortReserved, hostPort, proto).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
