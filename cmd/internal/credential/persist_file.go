package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bankline/cmd/security/seal"
)

// FilePersister keeps the pair in one sealed file.
//
// Writes go to a temp file in the same directory and are renamed into place,
// so a reader sees either the old pair or the new one.
type FilePersister struct {
	path       string
	passphrase []byte
	seal       seal.Config
}

// NewFilePersister constructs a FilePersister. The passphrase is required.
func NewFilePersister(path string, passphrase []byte, cfg seal.Config) (*FilePersister, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credential: empty file path")
	}
	if len(passphrase) == 0 {
		return nil, seal.ErrEmptyPassphrase
	}
	return &FilePersister{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		seal:       cfg,
	}, nil
}

// Load reads and opens the sealed file.
func (f *FilePersister) Load(ctx context.Context) (Pair, error) {
	if err := ctx.Err(); err != nil {
		return Pair{}, err
	}

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Pair{}, ErrNotFound
	}
	if err != nil {
		return Pair{}, err
	}

	pt, err := f.seal.Open(f.passphrase, string(raw))
	if err != nil {
		return Pair{}, fmt.Errorf("open %s: %w", f.path, err)
	}

	var p Pair
	if err := json.Unmarshal(pt, &p); err != nil {
		return Pair{}, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return p, nil
}

// Save seals and atomically replaces the file.
func (f *FilePersister) Save(ctx context.Context, p Pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Valid() {
		return ErrInconsistentPair
	}

	pt, err := json.Marshal(p)
	if err != nil {
		return err
	}
	sealed, err := f.seal.Seal(f.passphrase, pt)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(sealed); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// Clear removes the file. A missing file is not an error.
func (f *FilePersister) Clear(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
