package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"
)

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(legacyregistry.DefaultGatherer, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the builder metrics in the text exposition format, for
// collection by a node exporter textfile collector. The file is replaced
// atomically.
func WriteTextfile(path string) error {
	families, err := legacyregistry.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %v", err)
	}
	defer os.Remove(tmp.Name())

	written := 0
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), builderSubsystem+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode metric %s: %v", mf.GetName(), err)
		}
		written++
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move metrics file into place: %v", err)
	}

	klog.V(2).InfoS("Wrote metrics textfile", "path", path, "families", written)
	return nil
}
