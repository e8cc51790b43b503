package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBundleStateNotFound is returned when state.json is missing.
var ErrBundleStateNotFound = errors.New("model bundle state not found")

// BundleState records which bundle version under a models directory is
// active, and the one it replaced.
type BundleState struct {
	CurrentVersion  string `json:"current_version"`
	PreviousVersion string `json:"previous_version,omitempty"`
}

func stateFilePath(baseDir string) string {
	return filepath.Join(baseDir, "state.json")
}

// LoadBundleState reads <baseDir>/state.json.
func LoadBundleState(baseDir string) (BundleState, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return BundleState{}, errors.New("baseDir is empty")
	}
	data, err := os.ReadFile(stateFilePath(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return BundleState{}, ErrBundleStateNotFound
		}
		return BundleState{}, fmt.Errorf("read bundle state: %w", err)
	}
	var state BundleState
	if err := json.Unmarshal(data, &state); err != nil {
		return BundleState{}, fmt.Errorf("decode bundle state: %w", err)
	}
	return state, nil
}

// SaveBundleState replaces <baseDir>/state.json via a temp file and rename.
func SaveBundleState(baseDir string, state BundleState) error {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return errors.New("baseDir is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create bundle base dir: %w", err)
	}

	state.CurrentVersion = strings.TrimSpace(state.CurrentVersion)
	state.PreviousVersion = strings.TrimSpace(state.PreviousVersion)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle state: %w", err)
	}

	tmp, err := os.CreateTemp(baseDir, "state.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), stateFilePath(baseDir)); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// ActivateVersion makes version current, remembering the old one for rollback.
func ActivateVersion(baseDir, version string) (BundleState, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return BundleState{}, errors.New("version is empty")
	}
	if strings.ContainsAny(version, `/\`) || version == "." || version == ".." {
		return BundleState{}, fmt.Errorf("invalid bundle version %q", version)
	}
	if _, err := os.Stat(filepath.Join(baseDir, version, modelFileName)); err != nil {
		return BundleState{}, fmt.Errorf("bundle %s incomplete: %w", version, err)
	}
	prev, err := LoadBundleState(baseDir)
	if err != nil && !errors.Is(err, ErrBundleStateNotFound) {
		return BundleState{}, err
	}
	next := BundleState{CurrentVersion: version, PreviousVersion: prev.CurrentVersion}
	if prev.CurrentVersion == version {
		next.PreviousVersion = prev.PreviousVersion
	}
	if err := SaveBundleState(baseDir, next); err != nil {
		return BundleState{}, err
	}
	return next, nil
}

// ResolveBundleDir returns the directory holding the model files. A models
// directory with state.json resolves to its current version; anything else
// is used as is.
func ResolveBundleDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", errors.New("bundle dir is empty")
	}
	st, err := LoadBundleState(dir)
	switch {
	case errors.Is(err, ErrBundleStateNotFound):
		return dir, nil
	case err != nil:
		return "", err
	case st.CurrentVersion == "":
		return "", errors.New("bundle state has no current version")
	}
	if strings.ContainsAny(st.CurrentVersion, `/\`) || st.CurrentVersion == ".." {
		return "", fmt.Errorf("invalid bundle version %q", st.CurrentVersion)
	}
	return filepath.Join(dir, st.CurrentVersion), nil
}
