// Package authstore keeps the per-session directories: the exported credential bundle
// (creds.json), the pairing metadata sidecar (session-info.json) and the protocol store
// database written by the connector.
package authstore

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	CredsFile = "creds.json"
	InfoFile  = "session-info.json"
	StoreFile = "store.db"
)

var (
	ErrNotFound  = errors.New("authstore: not found")
	ErrInvalidID = errors.New("authstore: invalid session id")

	json    = jsoniter.ConfigCompatibleWithStandardLibrary
	validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// SessionInfo is the metadata sidecar written once a session is ready.
type SessionInfo struct {
	SessionID              string    `json:"sessionId"`
	PhoneNumber            string    `json:"phoneNumber"`
	UserID                 string    `json:"userId"`
	PairedAt               time.Time `json:"pairedAt"`
	PairingCode            string    `json:"pairingCode"`
	GeneratedAt            time.Time `json:"generatedAt"`
	SessionSentViaWhatsApp bool      `json:"sessionSentViaWhatsApp"`
}

// Store resolves session directories below a single root.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errors.Wrap(err, "create session root")
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of a session id. Ids that could escape the root are rejected.
func (s *Store) Dir(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.root, id), nil
}

// Exists reports whether the session directory is present on disk.
func (s *Store) Exists(id string) bool {
	dir, err := s.Dir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Ensure creates the session directory.
func (s *Store) Ensure(id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create session directory")
	}
	return nil
}

// ReadCreds returns the raw primary credential file.
func (s *Store) ReadCreds(id string) ([]byte, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, CredsFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read credential bundle")
	}
	if isEmptyObject(data) {
		return nil, ErrNotFound
	}
	return data, nil
}

// ReadBundle returns the credential bundle, falling back to the first JSON file in the
// session directory that carries a recognizable credential marker.
func (s *Store) ReadBundle(id string) ([]byte, error) {
	data, err := s.ReadCreds(id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	dir, _ := s.Dir(id)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan session directory")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && e.Name() != CredsFile {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if hasCredentialMarker(raw) {
			return raw, nil
		}
	}
	return nil, ErrNotFound
}

func hasCredentialMarker(raw []byte) bool {
	var top map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return false
	}
	_, creds := top["creds"]
	_, browser := top["WABrowserId"]
	return creds || browser
}

func isEmptyObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	var top map[string]jsoniter.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return false
	}
	return len(top) == 0
}

// WriteBundle stores the credential bundle as the primary credential file.
func (s *Store) WriteBundle(id string, b *Bundle) error {
	return s.writeJSON(id, CredsFile, b)
}

// WriteInfo stores the pairing metadata sidecar.
func (s *Store) WriteInfo(id string, info *SessionInfo) error {
	return s.writeJSON(id, InfoFile, info)
}

// ReadInfo loads the metadata sidecar.
func (s *Store) ReadInfo(id string) (*SessionInfo, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session info")
	}
	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrap(err, "decode session info")
	}
	return &info, nil
}

// writeJSON writes to a temp file and renames it so readers never see partial files.
func (s *Store) writeJSON(id, name string, v any) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create session directory")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", name)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return errors.Wrapf(err, "rename %s", name)
	}
	success = true
	return nil
}
