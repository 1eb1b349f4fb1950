package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net"

func TestNewAzureBlobClient(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		logger           *zap.Logger
		wantErr          bool
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "audit",
			logger:           logger,
			wantErr:          true,
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: testConnectionString,
			containerName:    "",
			logger:           logger,
			wantErr:          true,
			errContains:      "container name is required",
		},
		{
			name:             "nil logger",
			connectionString: testConnectionString,
			containerName:    "audit",
			wantErr:          true,
			errContains:      "logger is required",
		},
		{
			name:             "missing account key",
			connectionString: "AccountName=test",
			containerName:    "audit",
			logger:           logger,
			wantErr:          true,
			errContains:      "account name and key are required",
		},
		{
			name:             "valid",
			connectionString: testConnectionString,
			containerName:    "audit",
			logger:           logger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, tt.logger)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, client)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://test.blob.core.windows.net", client.serviceURL)
		})
	}
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString("AccountName=dev; AccountKey=a2V5=;;BlobEndpoint=http://127.0.0.1:10000/dev;junk")
	assert.Equal(t, map[string]string{
		"AccountName":  "dev",
		"AccountKey":   "a2V5=",
		"BlobEndpoint": "http://127.0.0.1:10000/dev",
	}, params)
}

func TestExtractBlobPath(t *testing.T) {
	const svc = "https://acct.blob.core.windows.net"
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: svc + "/audit/trail/cid/1.json", want: "trail/cid/1.json"},
		{ref: svc + "/audit/trail/cid/1.json?sv=2020&sig=x", want: "trail/cid/1.json"},
		{ref: "audit/a%20b.json", want: "a b.json"},
		{ref: "trail/x.json", want: "trail/x.json"},
		{ref: "  ", wantErr: true},
		{ref: svc + "/audit/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := extractBlobPath(svc, "audit", tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestAzureBlobClient_RoundTrip runs against Azurite when
// AZURE_STORAGE_CONNECTION_STRING is set.
func TestAzureBlobClient_RoundTrip(t *testing.T) {
	conn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if conn == "" {
		t.Skip("AZURE_STORAGE_CONNECTION_STRING not set")
	}
	client, err := NewAzureBlobClient(conn, "conduit-test", zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte(`{"unit":"send","payload":"x"}`)
	blobURL, err := client.Upload(ctx, "roundtrip/record.json", data, "application/json", map[string]string{"unit": "send"})
	require.NoError(t, err)
	assert.Contains(t, blobURL, "roundtrip/record.json")

	got, err := client.Download(ctx, blobURL)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
