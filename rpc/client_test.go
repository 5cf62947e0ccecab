package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	chaincache "github.com/Solvium/SolviumAI-sub001"
)

func TestClientCall(t *testing.T) {
	assert := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(http.MethodPost, r.Method)
		assert.Equal("application/json", r.Header.Get("Content-Type"))

		var req jsonrpcRequest
		assert.NoError(json.NewDecoder(r.Body).Decode(&req))
		assert.Equal("2.0", req.JSONRPC)
		assert.Equal("query", req.Method)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"chaincache","result":{"amount":"1000"}}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	result, err := client.Call(context.Background(), srv.URL, "query", map[string]string{
		"request_type": "view_account",
		"account_id":   "demo.near",
	})
	assert.NoError(err)
	assert.JSONEq(`{"amount":"1000"}`, string(result))
}

func TestClientCallJSONRPCError(t *testing.T) {
	assert := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":"chaincache","error":{"message":"handler error","data":"account demo.near does not exist while viewing"}}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	_, err := client.Call(context.Background(), srv.URL, "query", nil)
	assert.Error(err)

	var rpcErr *chaincache.RPCError
	assert.ErrorAs(err, &rpcErr)
	assert.Equal(srv.URL, rpcErr.Endpoint)
	assert.Equal(chaincache.ClassAccountNotFound, chaincache.Classify(err))
}

func TestClientCallHTTPStatusError(t *testing.T) {
	assert := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	_, err := client.Call(context.Background(), srv.URL, "query", nil)
	assert.Error(err)

	var rpcErr *chaincache.RPCError
	assert.ErrorAs(err, &rpcErr)
	assert.Equal(http.StatusTooManyRequests, rpcErr.Status)
	assert.Equal(chaincache.ClassRateLimit, chaincache.Classify(err))
	assert.True(chaincache.Retryable(err))
}

func TestClientCallMalformedResponse(t *testing.T) {
	assert := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	_, err := client.Call(context.Background(), srv.URL, "query", nil)
	assert.Error(err)
	assert.Contains(err.Error(), "decode rpc response")
}
