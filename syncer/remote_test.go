package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harperreed/clinicsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRemoteStatusMapping(t *testing.T) {
	snapshot := models.Snapshot{Version: 7, UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Fields: models.Fields{"status": "cold"}}

	tests := []struct {
		name   string
		status int
		body   any
		check  func(t *testing.T, ack models.Ack, err error)
	}{
		{
			name:   "acknowledged",
			status: http.StatusOK,
			body:   models.Ack{Version: 3},
			check: func(t *testing.T, ack models.Ack, err error) {
				require.NoError(t, err)
				assert.Equal(t, int64(3), ack.Version)
			},
		},
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   models.ConflictResponse{ServerSnapshot: snapshot},
			check: func(t *testing.T, _ models.Ack, err error) {
				var conflictErr *ConflictError
				require.True(t, errors.As(err, &conflictErr))
				assert.Equal(t, int64(7), conflictErr.Snapshot.Version)
				assert.Equal(t, "cold", conflictErr.Snapshot.Fields["status"])
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   models.ErrorResponse{Error: "upstream down"},
			check: func(t *testing.T, _ models.Ack, err error) {
				assert.ErrorIs(t, err, ErrServer)
				assert.True(t, IsTransient(err))
				assert.Contains(t, err.Error(), "upstream down")
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   models.ErrorResponse{Error: "slow down"},
			check: func(t *testing.T, _ models.Ack, err error) {
				assert.ErrorIs(t, err, ErrServer)
			},
		},
		{
			name:   "rejected",
			status: http.StatusUnprocessableEntity,
			body:   models.ErrorResponse{Error: "bad payload"},
			check: func(t *testing.T, _ models.Ack, err error) {
				assert.ErrorIs(t, err, ErrRejected)
				assert.False(t, IsTransient(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.SubmitRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/sync/mutation", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			remote := NewHTTPRemote(srv.URL+"/", "tok", time.Second)
			ack, err := remote.Submit(context.Background(), models.Mutation{
				ID:              "m1",
				TenantID:        "clinic-a",
				EntityType:      models.EntityLead,
				EntityID:        "lead-1",
				Operation:       models.OpUpdate,
				Payload:         models.Fields{"status": "hot"},
				BaseVersion:     2,
				ClientTimestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			})
			tt.check(t, ack, err)
			assert.Equal(t, "m1", got.MutationID)
			assert.Equal(t, int64(2), got.BaseVersion)
		})
	}
}

func TestHTTPRemoteNetworkError(t *testing.T) {
	remote := NewHTTPRemote("http://127.0.0.1:1", "", time.Second)
	_, err := remote.Submit(context.Background(), models.Mutation{ID: "m1"})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPRemoteCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	remote := NewHTTPRemote(srv.URL, "", time.Second)
	_, err := remote.Submit(ctx, models.Mutation{ID: "m1"})
	assert.ErrorIs(t, err, context.Canceled)
}
