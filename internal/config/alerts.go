package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// AlertPack is the YAML root of an alert definition file.
type AlertPack struct {
	Alerts []models.Alert `yaml:"alerts" validate:"dive"`
}

// LoadAlerts reads and validates an alert pack. An empty path or a missing file
// yields no alerts and no error.
func LoadAlerts(path string) ([]models.Alert, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	var pack AlertPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse alerts %s: %w", path, err)
	}
	if err := validate.Struct(&pack); err != nil {
		return nil, fmt.Errorf("invalid alerts %s: %w", path, err)
	}
	seen := make(map[string]bool, len(pack.Alerts))
	for _, a := range pack.Alerts {
		if seen[a.Name] {
			return nil, fmt.Errorf("invalid alerts %s: duplicate alert name %q", path, a.Name)
		}
		seen[a.Name] = true
	}
	return pack.Alerts, nil
}
