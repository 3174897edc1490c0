package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mathstream/server/internal/net/proto"
)

// Scene is a named timeline of commands. Commands need not be sorted.
type Scene struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Commands []proto.Command `json:"commands"`
	// Duration is the scene length in milliseconds.
	Duration int64          `json:"duration"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SceneSummary is the listing view of a registered scene.
type SceneSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Duration int64  `json:"duration"`
	Commands int    `json:"commands"`
}

// Validate checks the scene header and every command.
func (s Scene) Validate() error {
	if s.ID == "" {
		return errors.New("scene missing id")
	}
	if s.Duration < 0 {
		return fmt.Errorf("scene %s has negative duration %d", s.ID, s.Duration)
	}
	for i, cmd := range s.Commands {
		if err := proto.ValidateCommand(cmd); err != nil {
			return fmt.Errorf("scene %s command %d: %w", s.ID, i, err)
		}
	}
	return nil
}

func (s Scene) clone() Scene {
	cloned := s
	cloned.Commands = make([]proto.Command, len(s.Commands))
	for i, cmd := range s.Commands {
		cloned.Commands[i] = cmd.Clone()
	}
	if s.Metadata != nil {
		cloned.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cloned.Metadata[k] = v
		}
	}
	return cloned
}

// Summary returns the listing view of s.
func (s Scene) Summary() SceneSummary {
	return SceneSummary{ID: s.ID, Name: s.Name, Duration: s.Duration, Commands: len(s.Commands)}
}

// LoadScene reads and validates a scene from a JSON file.
func LoadScene(path string) (Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scene{}, fmt.Errorf("read scene %s: %w", path, err)
	}
	var scene Scene
	if err := json.Unmarshal(data, &scene); err != nil {
		return Scene{}, fmt.Errorf("decode scene %s: %w", path, err)
	}
	if err := scene.Validate(); err != nil {
		return Scene{}, fmt.Errorf("invalid scene %s: %w", path, err)
	}
	return scene, nil
}

// LoadScenes reads every *.json scene in dir in lexical order.
func LoadScenes(dir string) ([]Scene, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scene directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	scenes := make([]Scene, 0, len(names))
	for _, name := range names {
		scene, err := LoadScene(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, scene)
	}
	return scenes, nil
}
