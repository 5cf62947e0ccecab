package near

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	chaincache "github.com/Solvium/SolviumAI-sub001"
	"github.com/Solvium/SolviumAI-sub001/breaker"
	"github.com/Solvium/SolviumAI-sub001/cache"
	"github.com/Solvium/SolviumAI-sub001/kv"
	"github.com/Solvium/SolviumAI-sub001/rpc"
)

// rpcStub serves JSON-RPC query requests keyed by request_type, counting
// network hits so tests can assert cache behavior.
type rpcStub struct {
	srv   *httptest.Server
	calls atomic.Int64

	viewAccount  func(params map[string]any) (any, string)
	callFunction func(params map[string]any) (any, string)
}

func newRPCStub(t *testing.T) *rpcStub {
	t.Helper()

	stub := &rpcStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)

		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		var errMsg string
		switch req.Params["request_type"] {
		case "view_account":
			if stub.viewAccount != nil {
				result, errMsg = stub.viewAccount(req.Params)
			}
		case "call_function":
			if stub.callFunction != nil {
				result, errMsg = stub.callFunction(req.Params)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if errMsg != "" {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": "chaincache",
				"error": map[string]any{"message": "handler error", "data": errMsg},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": "chaincache", "result": result,
		})
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

type testHarness struct {
	service *Service
	cache   *cache.Service
	rpc     *rpcStub
	tokens  *httptest.Server

	tokenCalls  atomic.Int64
	tokenStatus atomic.Int64
	tokenBody   func() string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{rpc: newRPCStub(t)}
	h.tokenStatus.Store(http.StatusOK)
	h.tokenBody = func() string { return `{"tokens":[]}` }

	h.tokens = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.tokenCalls.Add(1)
		status := int(h.tokenStatus.Load())
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, h.tokenBody())
	}))
	t.Cleanup(h.tokens.Close)

	store, err := kv.NewMemory(128)
	require.NoError(t, err)
	h.cache = cache.New(store, cache.DefaultConfig())

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})
	engine := rpc.NewEngine(rpc.Config{MaxRetries: 1}, breakers,
		rpc.WithSleep(func(context.Context, time.Duration) error { return nil }))

	h.service = NewService(Config{
		Network:      "testnet",
		RPCEndpoints: []string{h.rpc.srv.URL},
		TokenListURL: h.tokens.URL,
	}, h.cache, engine,
		WithSleep(func(context.Context, time.Duration) error { return nil }))
	return h
}

func TestAccountBalance(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.viewAccount = func(params map[string]any) (any, string) {
		assert.Equal("alice.near", params["account_id"])
		assert.Equal("final", params["finality"])
		return map[string]any{"amount": "1234500000000000000000000"}, ""
	}

	balance, err := h.service.AccountBalance(context.Background(), "alice.near", true)
	assert.NoError(err)
	assert.Equal("1.2345 NEAR", balance)

	// second read is served from cache, no further rpc hit
	before := h.rpc.calls.Load()
	balance, err = h.service.AccountBalance(context.Background(), "alice.near", true)
	assert.NoError(err)
	assert.Equal("1.2345 NEAR", balance)
	assert.Equal(before, h.rpc.calls.Load())
}

func TestAccountBalanceBypassCache(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.viewAccount = func(map[string]any) (any, string) {
		return map[string]any{"amount": "2000000000000000000000000"}, ""
	}

	_, err := h.service.AccountBalance(context.Background(), "alice.near", true)
	assert.NoError(err)

	before := h.rpc.calls.Load()
	balance, err := h.service.AccountBalance(context.Background(), "alice.near", false)
	assert.NoError(err)
	assert.Equal("2 NEAR", balance)
	assert.Greater(h.rpc.calls.Load(), before)
}

func TestAccountBalanceDegradesToZero(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.viewAccount = func(map[string]any) (any, string) {
		return nil, "account missing.near does not exist while viewing"
	}

	balance, err := h.service.AccountBalance(context.Background(), "missing.near", true)
	assert.Error(err)
	assert.Equal("0 NEAR", balance)
	assert.Equal(chaincache.ClassAccountNotFound, chaincache.Classify(err))

	// the sentinel is not cached
	_, ok := h.cache.GetAccountBalance(context.Background(), "missing.near")
	assert.False(ok)
}

func ftMetadataResult(metadata string) map[string]any {
	bytes := []byte(metadata)
	values := make([]int, len(bytes))
	for i, b := range bytes {
		values[i] = int(b)
	}
	return map[string]any{"result": values}
}

func TestTokenMetadata(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.callFunction = func(params map[string]any) (any, string) {
		assert.Equal("token.near", params["account_id"])
		assert.Equal("ft_metadata", params["method_name"])
		return ftMetadataResult(`{"symbol":"TOKEN","name":"Token","decimals":18,"icon":"data:image/svg+xml;base64,xyz"}`), ""
	}

	metadata, err := h.service.TokenMetadata(context.Background(), "token.near", true)
	assert.NoError(err)
	assert.Equal("TOKEN", metadata.Symbol)
	assert.Equal("Token", metadata.Name)
	assert.Equal(18, metadata.Decimals)

	// cached for the second call
	before := h.rpc.calls.Load()
	metadata, err = h.service.TokenMetadata(context.Background(), "token.near", true)
	assert.NoError(err)
	assert.Equal("TOKEN", metadata.Symbol)
	assert.Equal(before, h.rpc.calls.Load())
}

func TestTokenMetadataBase64Result(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.callFunction = func(map[string]any) (any, string) {
		// base64 of {"symbol":"B64","decimals":6}
		return map[string]any{"result": "eyJzeW1ib2wiOiJCNjQiLCJkZWNpbWFscyI6Nn0="}, ""
	}

	metadata, err := h.service.TokenMetadata(context.Background(), "b64.near", true)
	assert.NoError(err)
	assert.Equal("B64", metadata.Symbol)
	assert.Equal(6, metadata.Decimals)
}

func TestTokenMetadataMissingDecimalsDefaults(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.callFunction = func(map[string]any) (any, string) {
		return ftMetadataResult(`{"symbol":"NODEC","name":"No Decimals"}`), ""
	}

	metadata, err := h.service.TokenMetadata(context.Background(), "nodec.near", true)
	assert.NoError(err)
	assert.Equal(chaincache.DefaultTokenDecimals, metadata.Decimals)
}

func TestTokenMetadataFailureNotCached(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.rpc.callFunction = func(map[string]any) (any, string) {
		return nil, "account broken.near does not exist while viewing"
	}

	metadata, err := h.service.TokenMetadata(context.Background(), "broken.near", true)
	assert.Error(err)
	assert.Equal("UNKNOWN", metadata.Symbol)
	assert.Equal(chaincache.DefaultTokenDecimals, metadata.Decimals)

	_, ok := h.cache.GetTokenMetadata(context.Background(), "broken.near")
	assert.False(ok)
}

func TestTokenList(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.tokenBody = func() string {
		return `{"tokens":[{"contract_id":"token.near","balance":"1500000000000000000","last_update_block_height":120000000}]}`
	}

	tokens, err := h.service.TokenList(context.Background(), "alice.near", true)
	assert.NoError(err)
	assert.Len(tokens, 1)
	assert.Equal("token.near", tokens[0].ContractID)
	assert.Equal("1500000000000000000", tokens[0].BalanceRaw)
	assert.Equal(uint64(120000000), tokens[0].LastUpdateBlockHeight)

	// cached for the second call
	before := h.tokenCalls.Load()
	tokens, err = h.service.TokenList(context.Background(), "alice.near", true)
	assert.NoError(err)
	assert.Len(tokens, 1)
	assert.Equal(before, h.tokenCalls.Load())
}

func TestTokenListRateLimitRetriesOnce(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.tokenStatus.Store(http.StatusTooManyRequests)

	tokens, err := h.service.TokenList(context.Background(), "alice.near", true)
	assert.Error(err)
	assert.Empty(tokens)
	assert.Equal(int64(2), h.tokenCalls.Load())
}

func TestTokenListOtherFailureNoRetry(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.tokenStatus.Store(http.StatusInternalServerError)

	tokens, err := h.service.TokenList(context.Background(), "alice.near", true)
	assert.Error(err)
	assert.Empty(tokens)
	assert.Equal(int64(1), h.tokenCalls.Load())
}

func TestEnrichedInventory(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	h.tokenBody = func() string {
		return `{"tokens":[
			{"contract_id":"token.near","balance":"1500000000000000000","last_update_block_height":1},
			{"contract_id":"bad.near","balance":"not-a-number","last_update_block_height":2}
		]}`
	}
	h.rpc.callFunction = func(params map[string]any) (any, string) {
		if params["account_id"] == "token.near" {
			return ftMetadataResult(`{"symbol":"TOKEN","name":"Token","decimals":18}`), ""
		}
		return nil, "account bad.near does not exist while viewing"
	}

	inventory, err := h.service.EnrichedInventory(context.Background(), "alice.near", true)
	assert.NoError(err)
	assert.Len(inventory, 2)

	assert.Equal("token.near", inventory[0].ContractAddress)
	assert.Equal("1.500000", inventory[0].Balance)
	assert.Equal("1500000000000000000", inventory[0].BalanceRaw)
	assert.Equal("TOKEN", inventory[0].Symbol)
	assert.Equal(18, inventory[0].Decimals)

	// the bad token degrades in place instead of failing the inventory
	assert.Equal("bad.near", inventory[1].ContractAddress)
	assert.Equal("UNKNOWN", inventory[1].Symbol)
	assert.Equal("0.000000", inventory[1].Balance)
}

func TestInvalidateAccountCaches(t *testing.T) {
	assert := require.New(t)

	h := newTestHarness(t)
	ctx := context.Background()

	h.cache.SetAccountBalance(ctx, "alice.near", "5 NEAR")
	h.cache.SetTokenInventory(ctx, "alice.near", []cache.TokenHolding{{ContractID: "token.near", BalanceRaw: "1"}})
	h.cache.SetTokenMetadata(ctx, "token.near", &cache.TokenMetadata{Symbol: "TOKEN", Decimals: 18})

	h.service.InvalidateAccountCaches(ctx, "alice.near")

	_, ok := h.cache.GetAccountBalance(ctx, "alice.near")
	assert.False(ok)
	_, ok = h.cache.GetTokenInventory(ctx, "alice.near")
	assert.False(ok)

	metadata, ok := h.cache.GetTokenMetadata(ctx, "token.near")
	assert.True(ok)
	assert.Equal("TOKEN", metadata.Symbol)
}
