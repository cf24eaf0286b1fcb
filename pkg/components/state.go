package components

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zylhub/rasa/pkg/engine"
)

// stateFile is the file learned component state is written to.
const stateFile = "state.json"

func writeState(dir string, state interface{}) (engine.Metadata, error) {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write state: %w", err)
	}
	return engine.Metadata{"file": stateFile}, nil
}

func readState(dir string, meta engine.Metadata, state interface{}) error {
	file, _ := meta["file"].(string)
	if file == "" {
		return fmt.Errorf("metadata does not name a state file")
	}
	raw, err := os.ReadFile(filepath.Join(dir, filepath.Base(file)))
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := json.Unmarshal(raw, state); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return nil
}
