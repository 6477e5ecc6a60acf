package daemon

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"crosslend/native/token"
)

type sample struct {
	Interval Duration    `yaml:"interval"`
	Admin    AdminConfig `yaml:"admin"`
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("interval: 3s\nadmin:\n  bearer_token: abc\n"), 0o600))
	var cfg sample
	require.NoError(t, Decode(good, &cfg))
	require.Equal(t, 3*time.Second, cfg.Interval.Duration)
	require.NoError(t, cfg.Admin.Normalise())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("intervall: 3s\n"), 0o600))
	require.Error(t, Decode(bad, &cfg))
}

func TestAdminTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(" s3cret \n"), 0o600))
	cfg := AdminConfig{BearerTokenFile: path}
	require.NoError(t, cfg.Normalise())
	require.Equal(t, "s3cret", cfg.BearerToken)
	require.Error(t, (&AdminConfig{}).Normalise())
}

func TestRelayAuthDefaults(t *testing.T) {
	t.Setenv("RELAY_SECRET", "topsecret")
	cfg := RelayAuth{SecretEnv: "RELAY_SECRET"}
	require.NoError(t, cfg.Normalise())
	require.Equal(t, "topsecret", cfg.Secret)
	require.Equal(t, time.Minute, cfg.TokenTTL.Duration)
	require.Error(t, (&RelayAuth{}).Normalise())
}

func TestSeed(t *testing.T) {
	book := token.NewBook("test")
	bridge := common.HexToAddress("0x00000000000000000000000000000000000b1d6e")
	spender := common.HexToAddress("0x0000000000000000000000000000000000000e1a")
	require.NoError(t, Seed(book, []Balance{{Asset: "usdc", Account: bridge.Hex(), Amount: "500", Spender: spender.Hex()}}))
	require.Equal(t, int64(500), book.BalanceOf("USDC", bridge).Int64())
	require.Equal(t, int64(500), book.Allowance("USDC", bridge, spender).Int64())

	require.Error(t, Seed(book, []Balance{{Asset: "USDC", Account: "nope", Amount: "1"}}))
	require.Error(t, Seed(book, []Balance{{Asset: "USDC", Account: bridge.Hex(), Amount: "-1"}}))
}

func TestBearerAuth(t *testing.T) {
	handler := NewBearerAuth("tok").Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/pause", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	var nilAuth *BearerAuth
	nilAuth.Middleware(http.NotFoundHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
