package near

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	chaincache "github.com/Solvium/SolviumAI-sub001"
	"github.com/Solvium/SolviumAI-sub001/cache"
)

// EnrichedToken is one inventory entry joined with its contract metadata and
// a human-readable balance.
type EnrichedToken struct {
	ContractAddress string `json:"contract_address"`
	Balance         string `json:"balance"`
	BalanceRaw      string `json:"balance_raw"`
	Symbol          string `json:"symbol"`
	Decimals        int    `json:"decimals"`
	Name            string `json:"name"`
	Icon            string `json:"icon,omitempty"`
}

// tokenListResponse is the FastNear-style inventory API body.
type tokenListResponse struct {
	Tokens []cache.TokenHolding `json:"tokens"`
}

// TokenList returns the account's raw token holdings. Cache-first with a 30s
// window; a miss calls the token-list API. An HTTP 429 gets exactly one extra
// retry after a fixed backoff; any other failure degrades to an empty list
// together with the error, since an empty inventory is an acceptable answer.
func (s *Service) TokenList(ctx context.Context, accountID string, useCache bool) ([]cache.TokenHolding, error) {
	if useCache {
		if inventory, ok := s.cache.GetTokenInventory(ctx, accountID); ok {
			return inventory, nil
		}
	}

	tokens, err := s.fetchTokenList(ctx, accountID)
	if err != nil {
		if chaincache.Classify(err) == chaincache.ClassRateLimit {
			s.logger.Warn("token list rate limited, retrying once",
				"account_id", accountID, "delay", s.config.RateLimitRetryDelay)
			if sleepErr := s.sleep(ctx, s.config.RateLimitRetryDelay); sleepErr != nil {
				return []cache.TokenHolding{}, sleepErr
			}
			tokens, err = s.fetchTokenList(ctx, accountID)
		}
		if err != nil {
			s.logger.Error("token list fetch failed, returning empty inventory",
				"account_id", accountID, "error", err)
			return []cache.TokenHolding{}, err
		}
	}

	s.cache.SetTokenInventory(ctx, accountID, tokens)
	return tokens, nil
}

func (s *Service) fetchTokenList(ctx context.Context, accountID string) ([]cache.TokenHolding, error) {
	url := fmt.Sprintf("%s/v1/account/%s/ft", s.config.TokenListURL, accountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build token list request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token list get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read token list response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &chaincache.RPCError{
			Endpoint: url,
			Status:   resp.StatusCode,
			Message:  "token list fetch failed",
		}
	}

	var parsed tokenListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode token list: %w", err)
	}
	if parsed.Tokens == nil {
		parsed.Tokens = []cache.TokenHolding{}
	}
	return parsed.Tokens, nil
}

// EnrichedInventory joins the raw token list with per-contract metadata and
// formats each balance with the token's own decimal count. A single bad token
// degrades to placeholder metadata and a zero balance; it never fails the
// whole inventory.
func (s *Service) EnrichedInventory(ctx context.Context, accountID string, useCache bool) ([]EnrichedToken, error) {
	holdings, err := s.TokenList(ctx, accountID, useCache)
	if err != nil {
		return []EnrichedToken{}, err
	}

	enriched := make([]EnrichedToken, 0, len(holdings))
	for _, holding := range holdings {
		metadata, err := s.TokenMetadata(ctx, holding.ContractID, useCache)
		if err != nil {
			metadata = UnknownMetadata()
		}

		balance, err := chaincache.FormatTokenAmount(holding.BalanceRaw, metadata.Decimals)
		if err != nil {
			s.logger.Error("token balance conversion failed, zeroing entry",
				"account_id", accountID, "contract_id", holding.ContractID,
				"balance_raw", holding.BalanceRaw, "error", err)
			balance = chaincache.ZeroTokenAmount()
		}

		enriched = append(enriched, EnrichedToken{
			ContractAddress: holding.ContractID,
			Balance:         balance,
			BalanceRaw:      holding.BalanceRaw,
			Symbol:          metadata.Symbol,
			Decimals:        metadata.Decimals,
			Name:            metadata.Name,
			Icon:            metadata.Icon,
		})
	}
	return enriched, nil
}
