package cesender

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/message"
)

func TestSend_BinaryMode(t *testing.T) {
	var (
		headers http.Header
		body    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set(HeaderForward, "accepted")
		_, _ = w.Write([]byte("ack"))
	}))
	defer server.Close()

	s, err := New(Config{TargetURL: server.URL, Type: "order.created", Source: "/orders"})
	require.NoError(t, err)
	assert.True(t, s.Synchronous())

	msg := message.NewStringMessage(`{"id":1}`)
	msg.Metadata().Set("subject", "o-1")
	res, err := s.Send(context.Background(), msg, message.NewSession("msg-1", "cid-1"))
	require.NoError(t, err)

	assert.Equal(t, "order.created", headers.Get("Ce-Type"))
	assert.Equal(t, "/orders", headers.Get("Ce-Source"))
	assert.Equal(t, "o-1", headers.Get("Ce-Subject"))
	assert.Equal(t, "cid-1", headers.Get("Ce-Correlationid"))
	assert.NotEmpty(t, headers.Get("Ce-Id"))
	assert.Equal(t, `{"id":1}`, string(body))

	assert.True(t, res.Success)
	assert.Equal(t, "accepted", res.Forward)
	reply, err := res.Message.String()
	require.NoError(t, err)
	assert.Equal(t, "ack", reply)
	ct, _ := res.Message.Metadata().Get("contentType")
	assert.Equal(t, "text/plain", ct)
}

func TestSend_StructuredMode(t *testing.T) {
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := New(Config{TargetURL: server.URL, StructuredMode: true})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), message.NewStringMessage(`{}`), message.NewSession("m", "c"))
	require.NoError(t, err)
	assert.Contains(t, contentType, "application/cloudevents+json")
}

func TestSend_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		timeout   bool
		wantOK    bool
		wantError string
	}{
		{name: "client error is a functional failure", status: http.StatusUnprocessableEntity, wantError: "HTTP 422: nope"},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, wantErr: true, timeout: true},
		{name: "request timeout", status: http.StatusRequestTimeout, wantErr: true, timeout: true},
		{name: "server error is retried", status: http.StatusInternalServerError, wantErr: true},
		{name: "accepted", status: http.StatusAccepted, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			s, err := New(Config{TargetURL: server.URL})
			require.NoError(t, err)
			res, err := s.Send(context.Background(), message.NewStringMessage("x"), message.NewSession("m", "c"))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.timeout, sdkerrors.IsTimeout(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.Success)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, res.Error)
			}
		})
	}
}

func TestSend_ClientTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	s, err := New(Config{TargetURL: server.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), message.NewStringMessage("x"), message.NewSession("m", "c"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsTimeout(err))
}

func TestNew_RequiresTarget(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
