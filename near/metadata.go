package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	chaincache "github.com/Solvium/SolviumAI-sub001"
	"github.com/Solvium/SolviumAI-sub001/cache"
)

// ftMetadataArgs is base64("{}"), the empty argument object ft_metadata takes.
const ftMetadataArgs = "e30="

// ftMetadata is the NEP-148 metadata shape returned by token contracts.
// Decimals is a pointer so an absent field is distinguishable from zero.
type ftMetadata struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals *int   `json:"decimals"`
	Icon     string `json:"icon"`
}

// UnknownMetadata is the degraded stand-in used when a token's metadata
// cannot be fetched. The token stays visible in the inventory under a
// placeholder symbol rather than being dropped.
func UnknownMetadata() cache.TokenMetadata {
	return cache.TokenMetadata{
		Symbol:   "UNKNOWN",
		Decimals: chaincache.DefaultTokenDecimals,
	}
}

// TokenMetadata returns the fungible-token metadata for a contract.
// Cache-first with a 24h window; a miss issues an ft_metadata call through
// the fallback engine. On failure the UNKNOWN placeholder is returned
// together with the error; the placeholder is not cached, so the next caller
// retries the fetch.
func (s *Service) TokenMetadata(ctx context.Context, contractID string, useCache bool) (cache.TokenMetadata, error) {
	if useCache {
		if metadata, ok := s.cache.GetTokenMetadata(ctx, contractID); ok {
			return *metadata, nil
		}
	}

	result, err := s.engine.ExecuteWithFallback(ctx, func(ctx context.Context, endpoint string) (json.RawMessage, error) {
		return s.client.Call(ctx, endpoint, "query", map[string]any{
			"request_type": "call_function",
			"finality":     "final",
			"account_id":   contractID,
			"method_name":  "ft_metadata",
			"args_base64":  ftMetadataArgs,
		})
	}, s.config.Network, s.config.RPCEndpoints)
	if err != nil {
		s.logger.Error("metadata fetch failed, using placeholder",
			"contract_id", contractID, "error", err)
		return UnknownMetadata(), err
	}

	payload, err := decodeCallResult(result)
	if err != nil {
		s.logger.Error("metadata payload malformed, using placeholder",
			"contract_id", contractID, "error", err)
		return UnknownMetadata(), err
	}

	var raw ftMetadata
	if err := json.Unmarshal(payload, &raw); err != nil {
		s.logger.Error("metadata json malformed, using placeholder",
			"contract_id", contractID, "error", err)
		return UnknownMetadata(), fmt.Errorf("decode ft_metadata: %w", err)
	}

	metadata := cache.TokenMetadata{
		Symbol: raw.Symbol,
		Name:   raw.Name,
		Icon:   raw.Icon,
	}
	if raw.Decimals != nil {
		metadata.Decimals = *raw.Decimals
	} else {
		// a missing decimals field is a data-quality signal, not a hard error
		s.logger.Warn("ft_metadata missing decimals, defaulting",
			"contract_id", contractID, "default", chaincache.DefaultTokenDecimals)
		metadata.Decimals = chaincache.DefaultTokenDecimals
	}

	s.cache.SetTokenMetadata(ctx, contractID, &metadata)
	return metadata, nil
}

// decodeCallResult extracts the function return bytes from a call_function
// result. Nodes return the payload either as an array of byte values or as a
// base64 string; both forms are accepted.
func decodeCallResult(raw json.RawMessage) ([]byte, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode call_function envelope: %w", err)
	}

	trimmed := bytes.TrimSpace(envelope.Result)
	if len(trimmed) == 0 {
		return nil, errors.New("call_function result empty")
	}

	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("decode call_function result string: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode call_function result base64: %w", err)
		}
		return payload, nil
	}

	var values []int
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return nil, fmt.Errorf("decode call_function result bytes: %w", err)
	}
	payload := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("call_function result byte out of range: %d", v)
		}
		payload[i] = byte(v)
	}
	return payload, nil
}
