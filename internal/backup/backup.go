// Package backup snapshots the relay's sqlite databases into a tar.gz and
// restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/crabrelay/internal/config"
	"github.com/joss/crabrelay/internal/logging"
)

// Part names one database in a backup.
type Part string

const (
	PartState     Part = "state"
	PartDirectory Part = "directory"
)

// Parts lists every backed-up database in restore order.
var Parts = []Part{PartState, PartDirectory}

const (
	formatVersion = "1"
	metadataName  = "metadata.json"
)

// ErrExists is returned by Import when a database already exists and
// overwrite was not requested.
var ErrExists = errors.New("database already exists")

// Metadata describes a backup archive.
type Metadata struct {
	Version     string            `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Description string            `json:"description,omitempty"`
	Parts       []Part            `json:"parts"`
	Sizes       map[string]int64  `json:"sizes"`
	Checksums   map[string]string `json:"checksums"`
}

// Manager backs up the databases under one data directory.
type Manager struct {
	dataDir string
	log     *logging.Logger
	now     func() time.Time
}

// NewManager creates a backup manager for dataDir.
func NewManager(dataDir string) *Manager {
	return &Manager{dataDir: dataDir, log: logging.New("backup"), now: time.Now}
}

// Path is where p lives under the data directory.
func (m *Manager) Path(p Part) string {
	switch p {
	case PartState:
		return config.StateDB(m.dataDir)
	default:
		return config.DirectoryDB(m.dataDir)
	}
}

func fileName(p Part) string {
	return string(p) + ".db"
}

// Export writes a consistent snapshot of every existing database to
// outputPath. Snapshots use VACUUM INTO so a running relay can be backed up.
func (m *Manager) Export(ctx context.Context, outputPath, description string) (*Metadata, error) {
	tmpDir, err := os.MkdirTemp("", "crabrelay-backup-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	meta := &Metadata{
		Version:     formatVersion,
		CreatedAt:   m.now().UTC(),
		Description: description,
		Sizes:       make(map[string]int64),
		Checksums:   make(map[string]string),
	}

	snapshots := make(map[Part][]byte)
	for _, p := range Parts {
		src := m.Path(p)
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		snap := filepath.Join(tmpDir, fileName(p))
		if err := snapshot(ctx, src, snap); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", p, err)
		}
		data, err := os.ReadFile(snap)
		if err != nil {
			return nil, err
		}
		snapshots[p] = data
		meta.Parts = append(meta.Parts, p)
		meta.Sizes[string(p)] = int64(len(data))
		meta.Checksums[fileName(p)] = checksum(data)
	}
	if len(meta.Parts) == 0 {
		return nil, fmt.Errorf("no databases under %s", m.dataDir)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("creating backup file: %w", err)
	}
	defer file.Close()

	gzw := gzip.NewWriter(file)
	tw := tar.NewWriter(gzw)

	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := addToTar(tw, metadataName, metaJSON, meta.CreatedAt); err != nil {
		return nil, err
	}
	for _, p := range meta.Parts {
		if err := addToTar(tw, fileName(p), snapshots[p], meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("adding %s: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}

	m.log.Info("exported", map[string]interface{}{"path": outputPath, "parts": len(meta.Parts)})
	return meta, nil
}

// Import restores the databases in inputPath into the data directory.
// Every checksum is verified before anything is written. The relay must
// not be running against the same data directory.
func (m *Manager) Import(ctx context.Context, inputPath string, overwrite bool) (*Metadata, error) {
	meta, files, err := readArchive(inputPath, true)
	if err != nil {
		return nil, err
	}

	for _, p := range meta.Parts {
		data, ok := files[fileName(p)]
		if !ok {
			return nil, fmt.Errorf("backup missing %s", fileName(p))
		}
		if got := checksum(data); got != meta.Checksums[fileName(p)] {
			return nil, fmt.Errorf("checksum mismatch for %s", fileName(p))
		}
		if !overwrite {
			if _, err := os.Stat(m.Path(p)); err == nil {
				return nil, fmt.Errorf("%s: %w", m.Path(p), ErrExists)
			}
		}
	}

	if err := config.EnsureDir(m.dataDir); err != nil {
		return nil, err
	}
	for _, p := range meta.Parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// stale WAL files would be replayed over the restored database
		os.Remove(m.Path(p) + "-wal")
		os.Remove(m.Path(p) + "-shm")
		if err := writeAtomic(m.Path(p), files[fileName(p)]); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", p, err)
		}
	}

	m.log.Info("imported", map[string]interface{}{"path": inputPath, "parts": len(meta.Parts)})
	return meta, nil
}

// List reads a backup's metadata without restoring it.
func (m *Manager) List(inputPath string) (*Metadata, error) {
	meta, _, err := readArchive(inputPath, false)
	return meta, err
}

func snapshot(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite3", src+"?_timeout=5000")
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `VACUUM INTO ?`, dst)
	return err
}

func readArchive(path string, withData bool) (*Metadata, map[string][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening backup: %w", err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var meta *Metadata
	files := make(map[string][]byte)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading tar: %w", err)
		}

		if header.Name == metadataName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, err
			}
			meta = &Metadata{}
			if err := json.Unmarshal(data, meta); err != nil {
				return nil, nil, fmt.Errorf("parsing metadata: %w", err)
			}
			if !withData {
				return meta, nil, nil
			}
			continue
		}
		if withData {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("reading %s: %w", header.Name, err)
			}
			files[header.Name] = data
		}
	}

	if meta == nil {
		return nil, nil, fmt.Errorf("backup missing metadata")
	}
	return meta, files, nil
}

func addToTar(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0600,
		Size:    int64(len(data)),
		ModTime: mod,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".restore"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
