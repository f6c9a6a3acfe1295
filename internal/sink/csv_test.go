package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"parcelnet/internal/domain"
)

func TestCSVWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		s, err := OpenCSV(dir)
		require.NoError(t, err)
		require.NoError(t, s.AppendCourierStatus(ctx, domain.CourierStatusRow{
			CourierStatus: domain.CourierStatus{
				CourierID: "courier1",
				Location:  "Warehouse",
				Battery:   92,
				Load:      2,
				Capacity:  5,
				UpdatedAt: now,
			},
		}))
		require.NoError(t, s.Close())
	}

	records := readCSV(t, filepath.Join(dir, StatusFile))
	require.Len(t, records, 3)
	assert.Equal(t, statusHeader, records[0])
	assert.Equal(t, "courier1", records[1][0])
	assert.Equal(t, "92.0", records[1][4])
	assert.Equal(t, "2/5", records[1][5])
	assert.Equal(t, "false", records[1][6])
	assert.Equal(t, "2026-03-01T12:00:00Z", records[1][7])
}

func TestCSVDeliveryAndComm(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := OpenCSV(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendDelivery(ctx, domain.DeliveryRow{
		ParcelID:  "p1",
		CourierID: "courier2",
		Status:    domain.ParcelStatusDelivered,
		Route:     "Warehouse -> waypoint_2 -> Piata Unirii",
	}))

	tap := CommTap(s, zaptest.NewLogger(t))
	tap(domain.Message{
		From:             "warehouse",
		To:               "supervisor",
		Type:             domain.MessageTypeBestCourierRequest,
		CorrelationToken: "tok-1",
		SentAt:           time.Now(),
	})

	deliveries := readCSV(t, filepath.Join(dir, DeliveryFile))
	require.Len(t, deliveries, 2)
	assert.Equal(t, "Warehouse -> waypoint_2 -> Piata Unirii", deliveries[1][3])

	comm := readCSV(t, filepath.Join(dir, CommFile))
	require.Len(t, comm, 2)
	assert.Equal(t, []string{"warehouse", "supervisor", "best_courier_request", "tok-1"}, comm[1][1:])
}

type failingSink struct{ Nop }

func (failingSink) AppendDelivery(context.Context, domain.DeliveryRow) error {
	return errors.New("disk full")
}

func TestMultiJoinsErrors(t *testing.T) {
	rec := &recordingSink{}
	m := Multi{rec, failingSink{}}

	err := m.AppendDelivery(context.Background(), domain.DeliveryRow{ParcelID: "p1"})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, rec.deliveries, "healthy members still receive the row")

	assert.NoError(t, m.AppendMessage(context.Background(), domain.CommRow{}))
}

type recordingSink struct {
	Nop
	deliveries int
}

func (r *recordingSink) AppendDelivery(context.Context, domain.DeliveryRow) error {
	r.deliveries++
	return nil
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}
