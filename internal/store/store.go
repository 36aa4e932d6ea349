package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banksean/boxlite/internal/idgen"
	"github.com/banksean/boxlite/internal/store/db"
)

//go:embed migrations/boxes/*.sql
var boxMigrations embed.FS

//go:embed migrations/images/*.sql
var imageMigrations embed.FS

// Store is the C2 metadata store: two WAL-mode sqlite databases plus the
// process-wide home lock, grounded on boxer.go's NewBoxer bootstrap.
type Store struct {
	homeDir string
	lock    *Lock

	boxSQL   *sql.DB
	imageSQL *sql.DB

	boxes  *db.BoxQueries
	images *db.ImageQueries
}

// Open creates $HOME/db, opens boxes.db and images.db in WAL mode, runs
// pending migrations, and takes the exclusive home lock.
func Open(homeDir string) (*Store, error) {
	dbDir := filepath.Join(homeDir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, wrapStorage("mkdir db dir", err)
	}

	lock, err := AcquireLock(filepath.Join(homeDir, "lock"))
	if err != nil {
		return nil, wrapStorage("acquire home lock", err)
	}

	boxSQL, err := openWAL(filepath.Join(dbDir, "boxes.db"))
	if err != nil {
		lock.Release()
		return nil, err
	}
	if err := migrateFS(boxSQL, boxMigrations, "migrations/boxes"); err != nil {
		boxSQL.Close()
		lock.Release()
		return nil, err
	}

	imageSQL, err := openWAL(filepath.Join(dbDir, "images.db"))
	if err != nil {
		boxSQL.Close()
		lock.Release()
		return nil, err
	}
	if err := migrateFS(imageSQL, imageMigrations, "migrations/images"); err != nil {
		boxSQL.Close()
		imageSQL.Close()
		lock.Release()
		return nil, err
	}

	return &Store{
		homeDir:  homeDir,
		lock:     lock,
		boxSQL:   boxSQL,
		imageSQL: imageSQL,
		boxes:    db.NewBoxQueries(boxSQL),
		images:   db.NewImageQueries(imageSQL),
	}, nil
}

func openWAL(path string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapStorage(fmt.Sprintf("open %s", path), err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		sqlDB.Close()
		return nil, wrapStorage("enable WAL", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		sqlDB.Close()
		return nil, wrapStorage("enable foreign_keys", err)
	}
	return sqlDB, nil
}

func migrateFS(sqlDB *sql.DB, fsys embed.FS, subdir string) error {
	src, err := iofs.New(fsys, subdir)
	if err != nil {
		return wrapStorage("load embedded migrations", err)
	}
	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return wrapStorage("migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return wrapStorage("migration setup", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return wrapStorage("run migrations", err)
	}
	return nil
}

// Close releases the databases and the home lock, in that order.
func (s *Store) Close() error {
	s.boxSQL.Close()
	s.imageSQL.Close()
	return s.lock.Release()
}

// HomeDir returns the directory this store was opened against.
func (s *Store) HomeDir() string { return s.homeDir }

// CreateBox persists I1 atomically: reserve the name (if set), insert the
// box row, all inside one transaction. A unique-constraint violation on
// name_reservations surfaces as AlreadyExists.
func (s *Store) CreateBox(ctx context.Context, rec BoxRecord) error {
	tx, err := s.boxSQL.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin create tx", err)
	}
	defer tx.Rollback()

	q := s.boxes.WithTx(tx)
	if rec.Config.Name != "" {
		if err := q.ReserveName(ctx, rec.Config.Name, rec.Config.ID, time.Now()); err != nil {
			return alreadyExistsNameOrWrap(rec.Config.Name, err)
		}
	}
	for _, p := range rec.Config.Ports {
		if err := q.ReservePort(ctx, p.HostPort, p.Proto, rec.Config.ID); err != nil {
			return alreadyExistsPortOrWrap(p.HostPort, err)
		}
	}

	configJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return wrapStorage("marshal config", err)
	}
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return wrapStorage("marshal state", err)
	}
	row := db.Box{
		ID:         rec.Config.ID,
		ConfigJSON: configJSON,
		StateJSON:  stateJSON,
		CreatedAt:  rec.Config.CreatedAt,
	}
	if rec.Config.Name != "" {
		row.Name.Valid = true
		row.Name.String = rec.Config.Name
	}
	if err := q.UpsertBox(ctx, row); err != nil {
		return wrapStorage("insert box", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStorage("commit create tx", err)
	}
	return nil
}

func alreadyExistsNameOrWrap(name string, err error) error {
	return alreadyExistsf("name %q is already in use", name)
}

func alreadyExistsPortOrWrap(port int, err error) error {
	return alreadyExistsf("host_port %d is already reserved", port)
}

// UpdateBoxState persists a dynamic-state transition without touching the
// immutable config, matching the Podman-style split in spec.md §4.1.
func (s *Store) UpdateBoxState(ctx context.Context, id string, state BoxDynamicState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return wrapStorage("marshal state", err)
	}
	if err := s.boxes.UpdateBoxState(ctx, id, stateJSON); err != nil {
		return wrapStorage("update box state", err)
	}
	return nil
}

// GetBox resolves id as an exact id, then as a name, then as a unique
// prefix, matching spec.md §3's BoxId prefix-addressability rule.
func (s *Store) GetBox(ctx context.Context, idOrName string) (BoxRecord, error) {
	if row, err := s.boxes.GetBox(ctx, idOrName); err == nil {
		return decodeBoxRow(row)
	}
	if row, err := s.boxes.GetBoxByName(ctx, idOrName); err == nil {
		return decodeBoxRow(row)
	}
	if !idgen.IsValidPrefix(idOrName) {
		return BoxRecord{}, notFoundf("no box matches id/name/prefix %q", idOrName)
	}
	rows, err := s.boxes.GetBoxByPrefix(ctx, idOrName)
	if err != nil {
		return BoxRecord{}, wrapStorage("lookup by prefix", err)
	}
	switch len(rows) {
	case 0:
		return BoxRecord{}, notFoundf("no box matches id/name/prefix %q", idOrName)
	case 1:
		return decodeBoxRow(rows[0])
	default:
		return BoxRecord{}, fmt.Errorf("%w: prefix %q matches %d boxes", ErrAmbiguous, idOrName, len(rows))
	}
}

// ListBoxes returns every box record ordered by creation time.
func (s *Store) ListBoxes(ctx context.Context) ([]BoxRecord, error) {
	rows, err := s.boxes.ListBoxes(ctx)
	if err != nil {
		return nil, wrapStorage("list boxes", err)
	}
	out := make([]BoxRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := decodeBoxRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteBox removes the box row, its name reservation, and its port
// reservations in one transaction.
func (s *Store) DeleteBox(ctx context.Context, id, name string) error {
	tx, err := s.boxSQL.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin delete tx", err)
	}
	defer tx.Rollback()
	q := s.boxes.WithTx(tx)
	if name != "" {
		if err := q.ReleaseName(ctx, name); err != nil {
			return wrapStorage("release name", err)
		}
	}
	if err := q.ReleasePortsForBox(ctx, id); err != nil {
		return wrapStorage("release ports", err)
	}
	if err := q.DeleteBox(ctx, id); err != nil {
		return wrapStorage("delete box row", err)
	}
	return wrapStorage("commit delete tx", tx.Commit())
}

func decodeBoxRow(row db.Box) (BoxRecord, error) {
	var rec BoxRecord
	if err := json.Unmarshal(row.ConfigJSON, &rec.Config); err != nil {
		return BoxRecord{}, wrapStorage("unmarshal config", err)
	}
	if err := json.Unmarshal(row.StateJSON, &rec.State); err != nil {
		return BoxRecord{}, wrapStorage("unmarshal state", err)
	}
	rec.CreatedAt = row.CreatedAt
	return rec, nil
}

// ReconcileCrashRecovery implements spec.md §4.1's startup rule: any box
// whose state is Running but whose engine PID is not alive transitions to
// Stopped(reason=CrashRecovered).
func (s *Store) ReconcileCrashRecovery(ctx context.Context, isAlive func(pid int) bool) ([]string, error) {
	recs, err := s.ListBoxes(ctx)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, rec := range recs {
		if rec.State.State != StateRunning {
			continue
		}
		if rec.State.EnginePID != 0 && isAlive(rec.State.EnginePID) {
			continue
		}
		rec.State.State = StateStopped
		rec.State.StopReason = StopReasonCrashRecovered
		rec.State.UpdatedAt = time.Now()
		if err := s.UpdateBoxState(ctx, rec.Config.ID, rec.State); err != nil {
			return recovered, err
		}
		recovered = append(recovered, rec.Config.ID)
	}
	return recovered, nil
}

// PidAlive is the default liveness probe: signal 0 to the pid, grounded on
// the usual unix idiom for checking process liveness without killing it.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
