package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/run"
)

// EventsPath returns the event file of a load below dir.
func EventsPath(dir, loadName string) string {
	return filepath.Join(dir, loadName+" Events.json")
}

// WriteEvents writes one event per composed run of a load.
func WriteEvents(dir, loadName string, stats []run.Stats) error {
	events := make([]run.Event, 0, len(stats))
	for _, s := range stats {
		events = append(events, s.Event())
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events for %s: %v", loadName, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create event directory: %v", err)
	}
	path := EventsPath(dir, loadName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write events for %s: %v", loadName, err)
	}

	klog.V(2).InfoS("Wrote load events", "load", loadName, "events", len(events), "path", path)
	return nil
}
