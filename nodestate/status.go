package nodestate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Status is what a node shows on its status indicator.
type Status struct {
	Fill  string `json:"fill"`
	Shape string `json:"shape"`
	Text  string `json:"text"`
}

// Indicator values
var (
	StatusConnected    = Status{Fill: "green", Shape: "dot", Text: "connected"}
	StatusSendingData  = Status{Fill: "blue", Shape: "dot", Text: "sending data"}
	StatusProcessing   = Status{Fill: "blue", Shape: "ring", Text: "processing input"}
	StatusDisconnected = Status{Fill: "red", Shape: "ring", Text: "disconnected"}
	StatusError        = Status{Fill: "red", Shape: "dot", Text: "error"}
	StatusNoConfig     = Status{Fill: "grey", Shape: "dot", Text: "no API config"}
)

// Reporter receives every status change of a node.
type Reporter interface {
	Report(node string, status Status)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(node string, status Status)

// Report implements Reporter.
func (f ReporterFunc) Report(node string, status Status) {
	f(node, status)
}

// Reporters fans a status out to several reporters.
type Reporters []Reporter

// Report implements Reporter.
func (rs Reporters) Report(node string, status Status) {
	for _, r := range rs {
		if r != nil {
			r.Report(node, status)
		}
	}
}

// LogReporter logs status changes at debug level.
type LogReporter struct {
	Logger *slog.Logger
}

// Report implements Reporter.
func (r LogReporter) Report(node string, status Status) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Node status", "node", node, "status", status.Text, "fill", status.Fill, "shape", status.Shape)
}

// KeyValuePutter stores a value under a key. natsclient.StatusStore is one.
type KeyValuePutter interface {
	Put(ctx context.Context, key string, value []byte) error
}

// StoredStatus is the record a KVReporter writes.
type StoredStatus struct {
	Node      string    `json:"node"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KVReporter writes each status to a key-value store keyed by node name.
type KVReporter struct {
	Store   KeyValuePutter
	Logger  *slog.Logger
	Timeout time.Duration
}

// Report implements Reporter. Store failures are logged, not returned.
func (r KVReporter) Report(node string, status Status) {
	data, err := json.Marshal(StoredStatus{Node: node, Status: status, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.Store.Put(ctx, node, data); err != nil {
		logger := r.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Failed to store node status", "node", node, "error", err)
	}
}
