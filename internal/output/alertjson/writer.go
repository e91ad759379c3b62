package alertjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mempoolwatch/internal/logger"
	"mempoolwatch/pkg/models"
)

// Writer outputs alerts to a JSON lines file.
type Writer struct {
	path    string
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
	written int
}

// NewWriter creates a JSONL writer for alerts.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	logger.Infof("Alert JSON writer initialized: %s", path)
	return &Writer{
		path:    path,
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// WriteAlerts writes a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, alert := range alerts {
		if err := w.encoder.Encode(alert); err != nil {
			return fmt.Errorf("failed to encode alert %s: %w", alert.AlertID, err)
		}
	}
	w.written += len(alerts)
	logger.Debugf("Wrote %d alerts (top severity %s)", len(alerts), topSeverity(alerts))
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	logger.Infof("Alert JSON writer closed: %s, alerts=%d", w.path, w.written)
	err := w.file.Close()
	w.file = nil
	return err
}

func topSeverity(alerts []*models.Alert) models.Severity {
	top := alerts[0].Severity
	for _, alert := range alerts[1:] {
		if models.SeverityWeight(alert.Severity) > models.SeverityWeight(top) {
			top = alert.Severity
		}
	}
	return top
}
