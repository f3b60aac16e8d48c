// Package logutil provides the shared logging setup for tellur binaries.
//
// Logs are structured JSON (log/slog). This package routes them by severity —
// INFO/DEBUG to stdout, WARN/ERROR to stderr — and pretty-prints when stdout
// is a terminal so interactive runs stay readable while piped output remains
// one-object-per-line for log shippers.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
)

var stdoutIsTTY bool

func init() {
	if stat, err := os.Stdout.Stat(); err == nil {
		stdoutIsTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return stdoutIsTTY
}

// Writer returns the destination writer to pass to slog.NewJSONHandler.
// Each line is routed by its "level" field: WARN/ERROR go to stderr
// (always compact), everything else to stdout (indented when a TTY).
func Writer() io.Writer {
	out := io.Writer(os.Stdout)
	if stdoutIsTTY {
		out = &indentingWriter{w: out}
	}
	return &severityRouter{stdout: out, stderr: os.Stderr}
}

type severityRouter struct {
	stdout io.Writer
	stderr io.Writer
}

func (r *severityRouter) Write(p []byte) (int, error) {
	var line struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		// Not a JSON log line — stderr is the safe destination.
		return r.stderr.Write(p)
	}
	switch line.Level {
	case "WARN", "ERROR":
		return r.stderr.Write(p)
	default:
		return r.stdout.Write(p)
	}
}

// indentingWriter re-indents each JSON line for human eyes.
type indentingWriter struct {
	w io.Writer
}

func (iw *indentingWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(p, "\n"), "", "  "); err != nil {
		return iw.w.Write(p)
	}
	buf.WriteByte('\n')
	if _, err := iw.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	// Report the original length to satisfy the io.Writer contract.
	return len(p), nil
}
