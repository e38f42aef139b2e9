package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/ledger"
	"github.com/0gfoundation/0g-drain/internal/pricing"
	"github.com/0gfoundation/0g-drain/internal/store"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

func init() { gin.SetMode(gin.TestMode) }

var (
	testChainID  = big.NewInt(80002)
	testContract = drain.Networks[drain.ChainPolygonAmoy].Contract
	testProvider = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testChannel  = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeOracle struct {
	mu       sync.Mutex
	channels map[common.Hash]drain.Channel
}

func (o *fakeOracle) GetChannel(_ context.Context, id common.Hash) (*drain.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.channels[id]
	if !ok {
		return &drain.Channel{ID: id}, nil
	}
	return &ch, nil
}

func (o *fakeOracle) Fresh(ctx context.Context, id common.Hash) (*drain.Channel, error) {
	return o.GetChannel(ctx, id)
}

func (o *fakeOracle) Invalidate(common.Hash) {}

type fakeClaimer struct{ calls int }

func (c *fakeClaimer) Claim(_ context.Context, v *voucher.Voucher) (common.Hash, error) {
	c.calls++
	return crypto.Keccak256Hash(v.ChannelID[:]), nil
}

// mockUpstream serves /chat/completions. Non-streaming responses report
// usage; streaming responses emit two content chunks and a usage chunk.
func mockUpstream(t *testing.T, usage Usage, status int) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if strings.Contains(string(b), `"stream":true`) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": X-DRAIN-Cost: 0\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
			fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":%d,\"completion_tokens\":%d}}\n\n",
				usage.PromptTokens, usage.CompletionTokens)
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"Hello"}}],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`,
			usage.PromptTokens, usage.CompletionTokens)
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

type env struct {
	engine   *gin.Engine
	orch     *Orchestrator
	ledger   *ledger.Ledger
	store    store.Store
	oracle   *fakeOracle
	consumer *ecdsa.PrivateKey
	bodies   *[]string
}

// flat price: 1 base unit per token each way.
var flatPrice = pricing.ModelPrice{InputPer1k: big.NewInt(1000), OutputPer1k: big.NewInt(1000)}

func newEnv(t *testing.T, usage Usage, upstreamStatus int) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	oracle := &fakeOracle{channels: map[common.Hash]drain.Channel{
		testChannel: {
			ID:       testChannel,
			Consumer: crypto.PubkeyToAddress(key.PublicKey),
			Provider: testProvider,
			Deposit:  big.NewInt(1_000_000),
			Claimed:  big.NewInt(0),
			Expiry:   big.NewInt(time.Now().Add(time.Hour).Unix()),
		},
	}}
	l := ledger.New(ledger.Config{
		Provider: testProvider, ChainID: testChainID, Contract: testContract, ClaimThreshold: big.NewInt(1),
	}, oracle, &fakeClaimer{}, st, zap.NewNop())

	prices := pricing.NewEngine(pricing.NewTable(map[string]pricing.ModelPrice{"flat": flatPrice}, "test"), nil, zap.NewNop())
	up, bodies := mockUpstream(t, usage, upstreamStatus)
	orch := New(l, prices, NewUpstream(up.URL, "sk-test", 5*time.Second), zap.NewNop())

	r := gin.New()
	r.Use(RequestID())
	NewHandler(orch, testChainID.Int64(), zap.NewNop()).Register(r)
	return &env{engine: r, orch: orch, ledger: l, store: st, oracle: oracle, consumer: key, bodies: bodies}
}

func (e *env) header(t *testing.T, amount, nonce int64) string {
	t.Helper()
	v := &voucher.Voucher{ChannelID: testChannel, Amount: big.NewInt(amount), Nonce: big.NewInt(nonce)}
	require.NoError(t, voucher.Sign(v, e.consumer, testChainID, testContract))
	h, err := voucher.EncodeHeader(v)
	require.NoError(t, err)
	return h
}

const chatBody = `{"model":"flat","messages":[{"role":"user","content":"hello"}]}`

func (e *env) chat(body, voucherHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if voucherHeader != "" {
		req.Header.Set(voucher.HeaderName, voucherHeader)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

// ── Chat: non-streaming ───────────────────────────────────────────────────────

func TestChat_NonStreamingBillsActualUsage(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 12, CompletionTokens: 30}, http.StatusOK)

	w := e.chat(chatBody, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "42", w.Header().Get(drain.HeaderCost))
	require.Equal(t, "42", w.Header().Get(drain.HeaderTotal))
	require.Equal(t, "999958", w.Header().Get(drain.HeaderRemaining))
	require.Equal(t, testChannel.Hex(), w.Header().Get(drain.HeaderChannel))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
	require.Contains(t, w.Body.String(), "cmpl-1")

	st, err := e.store.GetChannel(context.Background(), testChannel)
	require.NoError(t, err)
	require.Equal(t, "42", st.TotalCharged.String())
	require.Equal(t, int64(1), st.LastVoucher.Nonce.Int64())
}

func TestChat_VoucherRequired(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)
	w := e.chat(chatBody, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "voucher_required", w.Header().Get(drain.HeaderError))
	require.Equal(t, "voucher_required", errorCode(t, w))
	require.Empty(t, *e.bodies, "no upstream call without payment")
}

func TestChat_MalformedVoucher(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)
	w := e.chat(chatBody, `{"channelId":"0x1","amount":"1","nonce":"1","signature":"0x"}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "invalid_voucher_format", w.Header().Get(drain.HeaderError))
}

func TestChat_UnknownModel(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)
	w := e.chat(`{"model":"nope","messages":[{"role":"user","content":"x"}]}`, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "model_not_supported", errorCode(t, w))
	require.Contains(t, w.Body.String(), "flat")
}

func TestChat_InsufficientFundsCarriesAmounts(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)
	// estimate: 9 input tokens + 50 output tokens = 59
	w := e.chat(chatBody, e.header(t, 10, 1))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "insufficient_funds", w.Header().Get(drain.HeaderError))
	require.Equal(t, "59", w.Header().Get(drain.HeaderRequired))
	require.Equal(t, "10", w.Header().Get(drain.HeaderProvided))
	require.Empty(t, *e.bodies)
}

func TestChat_InsufficientFundsPostNotBilled(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 10, CompletionTokens: 5_000}, http.StatusOK)

	w := e.chat(chatBody, e.header(t, 1_000, 1))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "insufficient_funds_post", w.Header().Get(drain.HeaderError))
	require.Equal(t, "5010", w.Header().Get(drain.HeaderRequired))
	require.Len(t, *e.bodies, 1, "work was done")

	st, err := e.store.GetChannel(context.Background(), testChannel)
	require.NoError(t, err)
	require.Nil(t, st, "nothing recorded")

	// The channel lock was released: a bigger voucher with the same nonce works.
	w = e.chat(chatBody, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestChat_ReplayRejected(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 1, CompletionTokens: 1}, http.StatusOK)
	h := e.header(t, 10_000, 1)
	require.Equal(t, http.StatusOK, e.chat(chatBody, h).Code)

	w := e.chat(chatBody, h)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "invalid_nonce", w.Header().Get(drain.HeaderError))
}

func TestChat_UpstreamFailureReleasesHold(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusInternalServerError)

	w := e.chat(chatBody, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "upstream_error", errorCode(t, w))

	st, _ := e.store.GetChannel(context.Background(), testChannel)
	require.Nil(t, st)
}

func TestChat_WrongProvider(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)
	ch := e.oracle.channels[testChannel]
	ch.Provider = common.HexToAddress("0x2222")
	e.oracle.channels[testChannel] = ch

	w := e.chat(chatBody, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "wrong_provider", w.Header().Get(drain.HeaderError))
}

// ── Chat: streaming ───────────────────────────────────────────────────────────

const streamBody = `{"model":"flat","stream":true,"messages":[{"role":"user","content":"hello"}]}`

func TestChat_StreamingTrailer(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 7, CompletionTokens: 3}, http.StatusOK)

	w := e.chat(streamBody, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, testChannel.Hex(), w.Header().Get(drain.HeaderChannel))

	out := w.Body.String()
	require.Contains(t, out, `"content":"Hel"`)
	require.Equal(t, 1, strings.Count(out, "data: [DONE]"))
	require.Equal(t, 1, strings.Count(out, ": X-DRAIN-Cost:"), "upstream comments are dropped")
	require.Contains(t, out, ": X-DRAIN-Cost: 10\n")
	require.Contains(t, out, ": X-DRAIN-Total: 10\n")
	require.Contains(t, out, ": X-DRAIN-Remaining: 999990\n")
	require.Less(t, strings.Index(out, "data: [DONE]"), strings.Index(out, ": X-DRAIN-Cost: 10"))

	require.Contains(t, (*e.bodies)[0], `"include_usage":true`)
}

func TestChat_StreamingPostFailure(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 10, CompletionTokens: 5_000}, http.StatusOK)

	w := e.chat(streamBody, e.header(t, 1_000, 1))
	require.Equal(t, http.StatusOK, w.Code, "headers were already sent")
	require.Contains(t, w.Body.String(), ": X-DRAIN-Error: insufficient_funds_post")
	require.NotContains(t, w.Body.String(), "X-DRAIN-Cost: 5")

	st, _ := e.store.GetChannel(context.Background(), testChannel)
	require.Nil(t, st)
}

func TestChat_StreamingEstimatesWithoutUsage(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)

	w := e.chat(streamBody, e.header(t, 10_000, 1))
	require.Equal(t, http.StatusOK, w.Code)
	// 9 input tokens from the messages, "Hello" is 2 output tokens.
	require.Contains(t, w.Body.String(), ": X-DRAIN-Cost: 11\n")
}

func TestRelay_ClientGoneStillBills(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 7, CompletionTokens: 3}, http.StatusOK)
	h := e.header(t, 10_000, 1)

	req, err := ParseChatRequest([]byte(streamBody))
	require.NoError(t, err)
	paid, err := e.orch.Authorize(context.Background(), h, req)
	require.NoError(t, err)
	src, err := e.orch.OpenStream(context.Background(), paid)
	require.NoError(t, err)

	// The client hung up after the content was relayed.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	receipt, err := e.orch.Relay(ctx, paid, src, httptest.NewRecorder())
	require.NoError(t, err)
	require.Equal(t, "10", receipt.Cost.String())

	st, err := e.store.GetChannel(context.Background(), testChannel)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, "10", st.TotalCharged.String())
	require.Equal(t, int64(1), st.LastVoucher.Nonce.Int64())

	w := e.chat(chatBody, h)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "invalid_nonce", w.Header().Get(drain.HeaderError))
}

// ── Pricing / models / health ─────────────────────────────────────────────────

func TestPricingAndModels(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pricing", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var p struct {
		Provider string                        `json:"provider"`
		ChainID  int64                         `json:"chainId"`
		Decimals int                           `json:"decimals"`
		Models   map[string]pricing.ModelPrice `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.Equal(t, testProvider.Hex(), p.Provider)
	require.Equal(t, int64(80002), p.ChainID)
	require.Equal(t, 6, p.Decimals)
	require.Equal(t, "1000", p.Models["flat"].InputPer1k.String())

	w = httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"id":"flat"`)

	w = httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

// ── Admin ─────────────────────────────────────────────────────────────────────

func TestAdmin_ClaimStatsChannel(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 100, CompletionTokens: 100}, http.StatusOK)
	require.Equal(t, http.StatusOK, e.chat(chatBody, e.header(t, 10_000, 1)).Code)

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/claim?force=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var claim struct {
		Success bool     `json:"success"`
		Claimed int      `json:"claimed"`
		Txs     []string `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claim))
	require.True(t, claim.Success)
	require.Equal(t, 1, claim.Claimed)

	w = httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"totalCharged":"200"`)
	require.Contains(t, w.Body.String(), `"claimed":"10000"`)

	w = httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/channels/"+testChannel.Hex(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"active"`)

	w = httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/channels/0x12", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Purge(t *testing.T) {
	e := newEnv(t, Usage{PromptTokens: 1, CompletionTokens: 1}, http.StatusOK)
	require.Equal(t, http.StatusOK, e.chat(chatBody, e.header(t, 10_000, 1)).Code)
	path := "/v1/admin/channels/" + testChannel.Hex()

	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, path, nil))
	require.Equal(t, http.StatusConflict, w.Code)

	e.oracle.mu.Lock()
	delete(e.oracle.channels, testChannel)
	e.oracle.mu.Unlock()

	w = httptest.NewRecorder()
	e.engine.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	st, _ := e.store.GetChannel(context.Background(), testChannel)
	require.Nil(t, st)
}

func TestAdmin_MiddlewareApplied(t *testing.T) {
	e := newEnv(t, Usage{}, http.StatusOK)
	r := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	NewHandler(New(e.ledger, pricing.NewEngine(pricing.DefaultTable(), nil, zap.NewNop()), nil, zap.NewNop()),
		80002, zap.NewNop()).Register(r, deny)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
