package auth

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSetup mounts Admin(cfg) in front of GET /v1/admin/stats and
// POST /v1/admin/claim.
func testSetup(t *testing.T, cfg Config) *gin.Engine {
	t.Helper()
	r := gin.New()
	ag := r.Group("/v1/admin", Admin(cfg, zap.NewNop()))
	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"admin": c.GetString("admin")}) }
	ag.GET("/stats", ok)
	ag.POST("/claim", ok)
	return r
}

func redisGuard(t *testing.T) NonceGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	return RedisNonces(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func operatorRequest(t *testing.T, key *ecdsa.PrivateKey, method, path string, m OperatorMessage) *http.Request {
	t.Helper()
	raw, _ := json.Marshal(m)
	sig, err := SignOperator(raw, func(h []byte) ([]byte, error) { return crypto.Sign(h, key) })
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(HeaderMessage, base64.StdEncoding.EncodeToString(raw))
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorOf(w *httptest.ResponseRecorder) string {
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp["error"]
}

// ── Bearer token ──────────────────────────────────────────────────────────────

func TestAdmin_Token(t *testing.T) {
	r := testSetup(t, Config{Token: "s3cret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAdmin_MissingCredentials(t *testing.T) {
	r := testSetup(t, Config{Token: "s3cret"})
	w := serve(r, httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAdmin_Disabled(t *testing.T) {
	r := testSetup(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer ")
	if w := serve(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

// ── Operator signature ────────────────────────────────────────────────────────

func operatorSetup(t *testing.T) (*gin.Engine, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{Operator: crypto.PubkeyToAddress(key.PublicKey), Nonces: redisGuard(t)}
	return testSetup(t, cfg), key
}

func validMessage(action, nonce string) OperatorMessage {
	return OperatorMessage{Action: action, ExpiresAt: time.Now().Add(2 * time.Minute).Unix(), Nonce: nonce}
}

func TestAdmin_OperatorSignature(t *testing.T) {
	r, key := operatorSetup(t)

	req := operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", validMessage("POST /v1/admin/claim", "n-1"))
	w := serve(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["admin"] != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Errorf("admin = %q", resp["admin"])
	}
}

func TestAdmin_OperatorNonceReplay(t *testing.T) {
	r, key := operatorSetup(t)
	m := validMessage("POST /v1/admin/claim", "n-replay")

	if w := serve(r, operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", m)); w.Code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", w.Code)
	}
	w := serve(r, operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", m))
	if w.Code != http.StatusUnauthorized || errorOf(w) != "nonce already used" {
		t.Fatalf("replay: got %d %q", w.Code, errorOf(w))
	}
}

func TestAdmin_OperatorRejections(t *testing.T) {
	r, key := operatorSetup(t)
	stranger, _ := crypto.GenerateKey()

	cases := []struct {
		name string
		req  *http.Request
		want string
	}{
		{
			"expired",
			operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", OperatorMessage{
				Action: "POST /v1/admin/claim", ExpiresAt: time.Now().Add(-time.Second).Unix(), Nonce: "a",
			}),
			"operator message expired",
		},
		{
			"too far ahead",
			operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", OperatorMessage{
				Action: "POST /v1/admin/claim", ExpiresAt: time.Now().Add(10 * time.Minute).Unix(), Nonce: "b",
			}),
			"operator message expires too far in the future",
		},
		{
			"other route",
			operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", validMessage("GET /v1/admin/stats", "c")),
			"operator message is for another action",
		},
		{
			"not the operator",
			operatorRequest(t, stranger, http.MethodPost, "/v1/admin/claim", validMessage("POST /v1/admin/claim", "d")),
			"invalid operator signature",
		},
		{
			"no nonce",
			operatorRequest(t, key, http.MethodPost, "/v1/admin/claim", validMessage("POST /v1/admin/claim", "")),
			"operator message has no nonce",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(r, tc.req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if got := errorOf(w); got != tc.want {
				t.Errorf("error = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAdmin_OperatorGarbledHeaders(t *testing.T) {
	r, _ := operatorSetup(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/claim", nil)
	req.Header.Set(HeaderMessage, "!!!not base64")
	req.Header.Set(HeaderSignature, "0x00")
	w := serve(r, req)
	if w.Code != http.StatusUnauthorized || errorOf(w) != "invalid operator message encoding" {
		t.Fatalf("got %d %q", w.Code, errorOf(w))
	}
}

// ── Nonce guards ──────────────────────────────────────────────────────────────

func TestMemoryNonces_Expiry(t *testing.T) {
	g := MemoryNonces().(*memNonces)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := g.Use(ctx, "x", time.Minute); !ok {
		t.Fatal("first use should succeed")
	}
	if ok, _ := g.Use(ctx, "x", time.Minute); ok {
		t.Fatal("second use within ttl should fail")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := g.Use(ctx, "x", time.Minute); !ok {
		t.Fatal("use after expiry should succeed")
	}
}

func TestAdmin_TokenAndOperatorTogether(t *testing.T) {
	key, _ := crypto.GenerateKey()
	r := testSetup(t, Config{
		Token:    "s3cret",
		Operator: crypto.PubkeyToAddress(key.PublicKey),
		Nonces:   MemoryNonces(),
	})

	req := operatorRequest(t, key, http.MethodGet, "/v1/admin/stats", validMessage("GET /v1/admin/stats", "both"))
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("operator: expected 200, got %d", w.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d", w.Code)
	}
}
