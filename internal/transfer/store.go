package transfer

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/share"
)

// ErrNoCheckpoint is returned when no saved progress exists.
var ErrNoCheckpoint = errors.New("no checkpoint for transfer")

// Store persists transfer checkpoints in SQLite so downloads survive a
// process restart. One row per transfer, the received set as a blob.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the checkpoint database at path.
func NewStore(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS transfers (
    id TEXT PRIMARY KEY,
    peer_id TEXT NOT NULL,
    peer_addr TEXT NOT NULL,
    file_name TEXT NOT NULL,
    file_path TEXT NOT NULL,
    file_size INTEGER NOT NULL,
    file_hash TEXT,
    chunk_size INTEGER NOT NULL,
    save_dir TEXT NOT NULL,
    bitmap BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_peer_file ON transfers(peer_id, file_path);`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the checkpoint for one transfer.
func (s *Store) Save(st *State) error {
	_, err := s.db.Exec(
		`INSERT INTO transfers (id, peer_id, peer_addr, file_name, file_path, file_size, file_hash, chunk_size, save_dir, bitmap, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET bitmap = excluded.bitmap, updated_at = excluded.updated_at`,
		st.TransferID, st.Peer.ID, st.Peer.Addr(), st.File.LogicalName, fileRef(st.File),
		st.File.Size, st.File.FileHash, st.ChunkSize, st.SaveDir,
		packBitmap(st.Bitmap()), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load rebuilds a transfer state from its checkpoint. The peer's host
// and port come from the stored address; the caller refreshes them
// from the registry before resuming when the peer has moved.
func (s *Store) Load(transferID string) (*State, error) {
	var (
		peerID, peerAddr, fileName, filePath, fileHash, saveDir string
		fileSize                                                int64
		chunkSize                                               int
		bitmap                                                  []byte
	)
	err := s.db.QueryRow(
		`SELECT peer_id, peer_addr, file_name, file_path, file_size, file_hash, chunk_size, save_dir, bitmap
		 FROM transfers WHERE id = ?`, transferID,
	).Scan(&peerID, &peerAddr, &fileName, &filePath, &fileSize, &fileHash, &chunkSize, &saveDir, &bitmap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	host, port := splitHostPort(peerAddr)
	f := share.File{LogicalName: fileName, Size: fileSize, FileHash: fileHash, OwnerPeerID: peerID}
	if fileHash == "" {
		// Hashless checkpoints store the remote path as the ref.
		f.LocalPath = filePath
	}
	st := NewState(transferID,
		peer.Identity{ID: peerID, Host: host, Port: port},
		f, chunkSize, saveDir)
	st.RestoreBitmap(unpackBitmap(bitmap))
	return st, nil
}

// Find returns the checkpoint ID for a (peer, file) pair, if any.
func (s *Store) Find(peerID, filePath string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM transfers WHERE peer_id = ? AND file_path = ?`, peerID, filePath,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCheckpoint
	}
	if err != nil {
		return "", fmt.Errorf("find checkpoint: %w", err)
	}
	return id, nil
}

// Delete removes the checkpoint for a finished or cancelled transfer.
func (s *Store) Delete(transferID string) error {
	if _, err := s.db.Exec(`DELETE FROM transfers WHERE id = ?`, transferID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns the IDs of every stored checkpoint, oldest first.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM transfers ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func packBitmap(words []uint64) []byte {
	out := make([]byte, 8*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint64(out[8*i:], w)
	}
	return out
}

func unpackBitmap(b []byte) []uint64 {
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(b[8*i:])
	}
	return words
}

func splitHostPort(addr string) (string, int) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, c := range addr[i+1:] {
				if c < '0' || c > '9' {
					return addr, 0
				}
				port = port*10 + int(c-'0')
			}
			return addr[:i], port
		}
	}
	return addr, 0
}
