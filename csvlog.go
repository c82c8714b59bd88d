package btthermo

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

const timestampLayout = "2006-01-02T15:04:05-07:00"

var csvHeader = []string{"timestamp_iso", "temperature_c", "humidity_pct", "voltage_mv", "battery_pct"}

// CSVLog denotes the append-only log file of a single sensor. Every write is
// a complete open-append-sync-close cycle, so a crash between writes can
// never corrupt a previously committed line and a concurrent reader only
// ever observes complete lines. A CSVLog is owned by exactly one supervisor
type CSVLog struct {
	path string
}

// NewCSVLog instantiates the log for the given device, deriving the file
// path from the device display name (spaces replaced by underscores)
func NewCSVLog(dir string, device DeviceIdentity) *CSVLog {
	return &CSVLog{
		path: filepath.Join(dir, strings.ReplaceAll(device.DisplayName, " ", "_")+".csv"),
	}
}

// Path returns the location of the log file
func (c *CSVLog) Path() string {
	return c.path
}

// EnsureHeader creates the containing directory and the file with the fixed
// header line if the file is absent or empty; it is a no-op otherwise
func (c *CSVLog) EnsureHeader() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory for `%s`: %w", c.path, err)
	}

	info, err := os.Stat(c.path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat log file `%s`: %w", c.path, err)
	}

	return c.writeLine(csvHeader)
}

// Append serializes one reading and appends it as a single line, flushing
// and closing the file before returning
func (c *CSVLog) Append(r *Reading) error {
	return c.writeLine([]string{
		r.TimeStamp.Format(timestampLayout),
		strconv.FormatFloat(r.Temperature, 'f', 2, 64),
		strconv.Itoa(r.Humidity),
		strconv.Itoa(r.Voltage),
		strconv.Itoa(r.Battery),
	})
}

func (c *CSVLog) writeLine(record []string) error {
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file `%s`: %w", c.path, err)
	}

	w := csv.NewWriter(f)
	err = w.Write(record)
	w.Flush()
	if err == nil {
		err = w.Error()
	}
	if err == nil {
		err = f.Sync()
	}

	if err = multierr.Append(err, f.Close()); err != nil {
		return fmt.Errorf("failed to write log file `%s`: %w", c.path, err)
	}

	return nil
}
