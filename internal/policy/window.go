// Package policy holds the rescheduling window candidates may pick a new
// interview time from.
package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrOutsideWindow = errors.New("scheduled time outside rescheduling window")

// Window bounds a postponed interview's new start time relative to now.
type Window struct {
	MinLead  time.Duration `yaml:"min_lead"`
	MaxAhead time.Duration `yaml:"max_ahead"`
}

// Default allows any future time up to two weeks out.
func Default() Window {
	return Window{MinLead: 0, MaxAhead: 14 * 24 * time.Hour}
}

type fileFormat struct {
	Reschedule Window `yaml:"reschedule"`
}

// LoadWindow reads the window from a YAML file. An empty path yields Default.
func LoadWindow(path string) (Window, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Window{}, fmt.Errorf("read policy file %s: %w", path, err)
	}

	f := fileFormat{Reschedule: Default()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Window{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := f.Reschedule.validate(); err != nil {
		return Window{}, err
	}
	return f.Reschedule, nil
}

func (w Window) validate() error {
	if w.MinLead < 0 {
		return fmt.Errorf("min_lead must be >= 0")
	}
	if w.MaxAhead <= 0 {
		return fmt.Errorf("max_ahead must be > 0")
	}
	if w.MinLead >= w.MaxAhead {
		return fmt.Errorf("min_lead (%s) must be below max_ahead (%s)", w.MinLead, w.MaxAhead)
	}
	return nil
}

// Check reports whether at is strictly in the future and inside the window.
func (w Window) Check(now, at time.Time) error {
	if !at.After(now) {
		return fmt.Errorf("%w: %s is not in the future", ErrOutsideWindow, at.Format(time.RFC3339))
	}
	lead := at.Sub(now)
	if lead < w.MinLead {
		return fmt.Errorf("%w: must be at least %s ahead", ErrOutsideWindow, w.MinLead)
	}
	if lead > w.MaxAhead {
		return fmt.Errorf("%w: must be within %s", ErrOutsideWindow, w.MaxAhead)
	}
	return nil
}
