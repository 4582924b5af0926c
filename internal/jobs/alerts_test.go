package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"
)

func TestAlertingErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		attempt    int
		max        int
		wantNotify bool
		wantLevel  string
	}{
		{name: "retry pending", attempt: 1, max: 3, wantNotify: false, wantLevel: "WARN"},
		{name: "last attempt", attempt: 3, max: 3, wantNotify: true, wantLevel: "ERROR"},
		{name: "single attempt kind", attempt: 1, max: 1, wantNotify: true, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			var notified []error
			h := NewAlertingErrorHandler(slog.New(slog.NewTextHandler(&buf, nil)), func(_ context.Context, _ *rivertype.JobRow, err error) {
				notified = append(notified, err)
			})

			job := &rivertype.JobRow{ID: 7, Kind: JobKindCrawlAll, Attempt: tt.attempt, MaxAttempts: tt.max}
			require.Nil(t, h.HandleError(context.Background(), job, errors.New("host unreachable")))

			require.Equal(t, tt.wantNotify, len(notified) == 1)
			require.Contains(t, buf.String(), "level="+tt.wantLevel)
			require.Contains(t, buf.String(), "kind=crawl_all")
		})
	}
}

func TestAlertingErrorHandlerPanic(t *testing.T) {
	var notified error
	h := NewAlertingErrorHandler(nil, func(_ context.Context, _ *rivertype.JobRow, err error) {
		notified = err
	})

	job := &rivertype.JobRow{ID: 1, Kind: JobKindSnapshotPeriod, Attempt: 1, MaxAttempts: 5}
	require.Nil(t, h.HandlePanic(context.Background(), job, "nil map", "goroutine 1"))
	require.EqualError(t, notified, "panic: nil map")
}
