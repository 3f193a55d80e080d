package amqprelay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeNotifier) Notify(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
}

// newTestRelay builds a Relay with no connection; only handleDelivery is
// usable.
func newTestRelay(n Notifier) *Relay {
	return &Relay{
		origin:   "instance-a",
		notifier: n,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func encode(t *testing.T, n Notice) []byte {
	t.Helper()
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return body
}

func TestHandleDelivery(t *testing.T) {
	tests := []struct {
		name      string
		body      func(t *testing.T) []byte
		wantErr   bool
		wantUsers []string
	}{
		{
			name: "notice from another instance notifies",
			body: func(t *testing.T) []byte {
				return encode(t, Notice{UserID: "u1", Origin: "instance-b", Timestamp: time.Now()})
			},
			wantUsers: []string{"u1"},
		},
		{
			name: "own notice is skipped",
			body: func(t *testing.T) []byte {
				return encode(t, Notice{UserID: "u1", Origin: "instance-a"})
			},
		},
		{
			name:    "malformed body",
			body:    func(*testing.T) []byte { return []byte("{not json") },
			wantErr: true,
		},
		{
			name: "missing user id",
			body: func(t *testing.T) []byte {
				return encode(t, Notice{Origin: "instance-b"})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNotifier{}
			r := newTestRelay(n)

			err := r.handleDelivery(context.Background(), tt.body(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantUsers, n.users)
		})
	}
}

func TestNotice_WireFormat(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := encode(t, Notice{UserID: "u1", Origin: "o1", Timestamp: ts})
	assert.JSONEq(t, `{"userId":"u1","origin":"o1","timestamp":"2026-03-01T12:00:00Z"}`, string(body))
}
