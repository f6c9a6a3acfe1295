package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"parcelnet/internal/domain"
)

const (
	StatusFile   = "courier_status.csv"
	DeliveryFile = "delivery_history.csv"
	CommFile     = "comm_log.csv"
)

var (
	statusHeader   = []string{"courier_id", "location", "lat", "lon", "battery", "load", "busy", "updated_at"}
	deliveryHeader = []string{"parcel_id", "courier_id", "status", "route", "lat", "lon", "started_at", "finished_at"}
	commHeader     = []string{"timestamp", "from", "to", "type", "correlation_token"}
)

// CSV writes each sink to its own file under one directory. Files are
// appended to across runs; the header is written only into an empty file.
type CSV struct {
	status   *csvFile
	delivery *csvFile
	comm     *csvFile
}

type csvFile struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

func OpenCSV(dir string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv directory: %w", err)
	}
	status, err := openCSVFile(filepath.Join(dir, StatusFile), statusHeader)
	if err != nil {
		return nil, err
	}
	delivery, err := openCSVFile(filepath.Join(dir, DeliveryFile), deliveryHeader)
	if err != nil {
		_ = status.close()
		return nil, err
	}
	comm, err := openCSVFile(filepath.Join(dir, CommFile), commHeader)
	if err != nil {
		_ = status.close()
		_ = delivery.close()
		return nil, err
	}
	return &CSV{status: status, delivery: delivery, comm: comm}, nil
}

func openCSVFile(path string, header []string) (*csvFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	cf := &csvFile{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := cf.write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return cf, nil
}

func (c *csvFile) write(record []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Write(record); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}
	return nil
}

func (c *csvFile) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	return c.f.Close()
}

func (s *CSV) Close() error {
	var firstErr error
	for _, f := range []*csvFile{s.status, s.delivery, s.comm} {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *CSV) AppendCourierStatus(_ context.Context, row domain.CourierStatusRow) error {
	return s.status.write([]string{
		row.CourierID,
		row.Location,
		formatFloat(row.Lat),
		formatFloat(row.Lon),
		strconv.FormatFloat(row.Battery, 'f', 1, 64),
		row.LoadString(),
		strconv.FormatBool(row.Busy),
		formatTime(row.UpdatedAt),
	})
}

func (s *CSV) AppendDelivery(_ context.Context, row domain.DeliveryRow) error {
	return s.delivery.write([]string{
		row.ParcelID,
		row.CourierID,
		string(row.Status),
		row.Route,
		formatFloat(row.Lat),
		formatFloat(row.Lon),
		formatTime(row.StartedAt),
		formatTime(row.FinishedAt),
	})
}

func (s *CSV) AppendMessage(_ context.Context, row domain.CommRow) error {
	return s.comm.write([]string{
		formatTime(row.Timestamp),
		row.From,
		row.To,
		string(row.Type),
		row.CorrelationToken,
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
