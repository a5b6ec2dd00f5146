package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

func TestHubBroadcastsJobUpdates(t *testing.T) {
	hub := NewHub(log.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	job := &models.Job{
		ID:              "job-1",
		Status:          models.StatusImporting,
		Progress:        "Imported 100 of 400 messages",
		ProgressPercent: 25,
		UpdatedAt:       time.Date(2023, 6, 22, 16, 0, 0, 0, time.UTC),
	}

	// Registration races the first broadcast, so repeat the notification
	// until the subscriber sees one.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hub.NotifyJob(job)
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update JobUpdate
	require.NoError(t, conn.ReadJSON(&update))

	assert.Equal(t, "job-1", update.JobID)
	assert.Equal(t, models.StatusImporting, update.Status)
	assert.Equal(t, "Imported 100 of 400 messages", update.Progress)
	assert.Equal(t, 25, update.ProgressPercent)
	assert.Empty(t, update.Error)
}

func TestNotifyJobNeverBlocks(t *testing.T) {
	hub := NewHub(log.New(io.Discard))

	// No Run loop is draining the broadcast channel; notifications past
	// the buffer must be dropped rather than block the pipeline.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 200; i++ {
			hub.NotifyJob(&models.Job{ID: "job-1", Status: models.StatusTraining})
		}
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("NotifyJob blocked with no hub loop running")
	}
}
