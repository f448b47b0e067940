package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/phonevault/common"
	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/internal/types"
)

// s3Server keeps objects in memory, addressed path style as /bucket/key.
type s3Server struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (s *s3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.objects[r.URL.Path] = body
		s.puts++
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func setupBlockStorage(t *testing.T) (*BlockStorage, *s3Server) {
	backend := &s3Server{objects: map[string][]byte{}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	var cfg config.Config
	cfg.BlockStorage.Host = srv.URL
	cfg.BlockStorage.Region = "us-east-1"
	cfg.BlockStorage.AccessKey = "test"
	cfg.BlockStorage.SecretKey = "test"
	cfg.BlockStorage.Bucket = "receipts"
	bs, err := NewBlockStorage(cfg)
	require.NoError(t, err)
	return bs, backend
}

func TestReceiptRoundTrip(t *testing.T) {
	bs, backend := setupBlockStorage(t)
	ctx := context.Background()
	receipt := types.TransferReceipt{
		RequestID:  "req-1",
		Phone:      "15550100199",
		Index:      3,
		Lamports:   10_000_000,
		Amount:     "0.01",
		Signature:  "sig",
		ExecutedAt: time.Unix(1700000000, 0).UTC(),
	}

	exist, err := bs.FileExist(ctx, receipt.Key())
	require.NoError(t, err)
	assert.False(t, exist)

	require.NoError(t, bs.SaveReceipt(ctx, receipt))
	assert.Equal(t, 1, backend.puts)
	stored := backend.objects["/receipts/receipts/req-1.json.xz"]
	require.NotEmpty(t, stored)
	_, err = common.DecompressData(stored)
	assert.NoError(t, err)

	exist, err = bs.FileExist(ctx, receipt.Key())
	require.NoError(t, err)
	assert.True(t, exist)

	got, err := bs.GetReceipt(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, receipt, *got)

	_, err = bs.GetReceipt(ctx, "missing")
	assert.Error(t, err)
}
