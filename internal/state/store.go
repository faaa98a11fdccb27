package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    kind INTEGER NOT NULL,
    data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS nonces (
    signer TEXT PRIMARY KEY,
    nonce INTEGER NOT NULL
);
`

// Store persists ledger State in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir home: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load reads the last saved State; an empty database yields NewState().
func (s *Store) Load(ctx context.Context) (*State, error) {
	st := NewState()

	var height int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'height'`).Scan(&height)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read height: %w", err)
	default:
		st.Height = height
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, kind, data FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			kind int64
			data []byte
		)
		if err := rows.Scan(&id, &kind, &data); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		switch byte(kind) {
		case KindGame:
			g, err := DecodeGameState(data)
			if err != nil {
				return nil, fmt.Errorf("decode game %s: %w", id, err)
			}
			st.Games[id] = &g
		case KindDashboard:
			d, err := DecodeDashboardState(data)
			if err != nil {
				return nil, fmt.Errorf("decode dashboard %s: %w", id, err)
			}
			st.Dashboards[id] = &d
		default:
			return nil, fmt.Errorf("account %s: unknown kind %d", id, kind)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}

	nrows, err := s.sqlDB.QueryContext(ctx, `SELECT signer, nonce FROM nonces`)
	if err != nil {
		return nil, fmt.Errorf("read nonces: %w", err)
	}
	defer nrows.Close()
	for nrows.Next() {
		var (
			signer string
			nonce  int64
		)
		if err := nrows.Scan(&signer, &nonce); err != nil {
			return nil, fmt.Errorf("scan nonce: %w", err)
		}
		st.NonceMax[signer] = uint64(nonce)
	}
	if err := nrows.Err(); err != nil {
		return nil, fmt.Errorf("read nonces: %w", err)
	}
	return st, nil
}

// Save writes st in a single transaction.
func (s *Store) Save(ctx context.Context, st *State) error {
	accounts, err := st.accounts()
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('height', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, st.Height); err != nil {
		return fmt.Errorf("write height: %w", err)
	}
	for _, a := range accounts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, kind, data) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, data = excluded.data`,
			a.ID, int64(a.Kind), a.Data); err != nil {
			return fmt.Errorf("write account %s: %w", a.ID, err)
		}
	}
	for signer, nonce := range st.NonceMax {
		// Stored bit-for-bit; Load converts back.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nonces (signer, nonce) VALUES (?, ?)
			 ON CONFLICT(signer) DO UPDATE SET nonce = excluded.nonce`,
			signer, int64(nonce)); err != nil {
			return fmt.Errorf("write nonce %s: %w", signer, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}
