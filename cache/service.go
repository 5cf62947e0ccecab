// Package cache applies category-specific TTL policy and key namespacing on
// top of the raw key/value store. It is the single place TTL values live.
//
// Token metadata (symbol, decimals, name) is a property of the contract,
// changes essentially never, and costs an RPC round trip per unseen contract,
// so it gets a long TTL. Balances and inventories change with every
// transaction and use a short TTL, with explicit invalidation after known
// mutating operations.
//
// All operations fail soft: a store failure is logged and reported as a miss
// or a false return, never raised to the caller.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Solvium/SolviumAI-sub001/kv"
	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

// TokenMetadata describes a fungible token contract.
type TokenMetadata struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Icon     string `json:"icon,omitempty"`
}

// TokenHolding is one entry in an account's raw token inventory.
type TokenHolding struct {
	ContractID            string `json:"contract_id"`
	BalanceRaw            string `json:"balance"`
	LastUpdateBlockHeight uint64 `json:"last_update_block_height"`
}

// Config holds the cache TTL policy.
type Config struct {
	// MetadataTTL applies to token metadata entries. Default 24h.
	MetadataTTL time.Duration

	// BalanceTTL applies to native and token balance entries. Default 30s.
	BalanceTTL time.Duration

	// InventoryTTL applies to token inventory entries. Default 30s.
	InventoryTTL time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns the canonical TTL policy.
func DefaultConfig() Config {
	return Config{
		MetadataTTL:  24 * time.Hour,
		BalanceTTL:   30 * time.Second,
		InventoryTTL: 30 * time.Second,
	}
}

// Service is the typed cache façade. It holds no state beyond configuration;
// all data lives in the underlying store.
type Service struct {
	store  kv.Store
	config Config
	logger *slog.Logger
}

// New creates a cache service over the given store.
func New(store kv.Store, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MetadataTTL == 0 {
		cfg.MetadataTTL = def.MetadataTTL
	}
	if cfg.BalanceTTL == 0 {
		cfg.BalanceTTL = def.BalanceTTL
	}
	if cfg.InventoryTTL == 0 {
		cfg.InventoryTTL = def.InventoryTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: cfg.Logger,
	}
}

// Key namespaces. Keys are human-readable so operators can inspect the store
// directly.
func metadataKey(contractID string) string { return "metadata:" + contractID }
func nearBalanceKey(accountID string) string {
	return "balance:near:" + accountID
}
func tokenBalanceKey(accountID, contractID string) string {
	return "balance:token:" + accountID + ":" + contractID
}
func inventoryKey(accountID string) string { return "inventory:" + accountID }

// GetTokenMetadata returns cached metadata for a contract, or false on miss
// or deserialization failure.
func (s *Service) GetTokenMetadata(ctx context.Context, contractID string) (*TokenMetadata, bool) {
	raw, ok := s.get(ctx, "metadata", metadataKey(contractID))
	if !ok {
		return nil, false
	}

	var meta TokenMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Error("corrupt metadata cache entry", "contract_id", contractID, "error", err)
		return nil, false
	}
	return &meta, true
}

// SetTokenMetadata caches metadata for a contract with the long metadata TTL.
func (s *Service) SetTokenMetadata(ctx context.Context, contractID string, meta *TokenMetadata) bool {
	raw, err := json.Marshal(meta)
	if err != nil {
		s.logger.Error("serializing metadata", "contract_id", contractID, "error", err)
		return false
	}
	return s.set(ctx, "metadata", metadataKey(contractID), raw, s.config.MetadataTTL)
}

// InvalidateTokenMetadata evicts a contract's metadata early, for when the
// contract is known to have changed.
func (s *Service) InvalidateTokenMetadata(ctx context.Context, contractID string) bool {
	return s.delete(ctx, "metadata", metadataKey(contractID))
}

// GetAccountBalance returns the cached native balance for an account.
func (s *Service) GetAccountBalance(ctx context.Context, accountID string) (string, bool) {
	raw, ok := s.get(ctx, "balance", nearBalanceKey(accountID))
	if !ok {
		return "", false
	}
	return string(raw), true
}

// SetAccountBalance caches the native balance with the short balance TTL.
func (s *Service) SetAccountBalance(ctx context.Context, accountID, balance string) bool {
	return s.set(ctx, "balance", nearBalanceKey(accountID), []byte(balance), s.config.BalanceTTL)
}

// GetTokenBalance returns the cached balance of one token for one account.
func (s *Service) GetTokenBalance(ctx context.Context, accountID, contractID string) (string, bool) {
	raw, ok := s.get(ctx, "balance", tokenBalanceKey(accountID, contractID))
	if !ok {
		return "", false
	}
	return string(raw), true
}

// SetTokenBalance caches one token balance with the short balance TTL.
func (s *Service) SetTokenBalance(ctx context.Context, accountID, contractID, balance string) bool {
	return s.set(ctx, "balance", tokenBalanceKey(accountID, contractID), []byte(balance), s.config.BalanceTTL)
}

// GetTokenInventory returns the cached raw token inventory for an account.
func (s *Service) GetTokenInventory(ctx context.Context, accountID string) ([]TokenHolding, bool) {
	raw, ok := s.get(ctx, "inventory", inventoryKey(accountID))
	if !ok {
		return nil, false
	}

	var inventory []TokenHolding
	if err := json.Unmarshal(raw, &inventory); err != nil {
		s.logger.Error("corrupt inventory cache entry", "account_id", accountID, "error", err)
		return nil, false
	}
	return inventory, true
}

// SetTokenInventory caches an account's raw token inventory.
func (s *Service) SetTokenInventory(ctx context.Context, accountID string, inventory []TokenHolding) bool {
	raw, err := json.Marshal(inventory)
	if err != nil {
		s.logger.Error("serializing inventory", "account_id", accountID, "error", err)
		return false
	}
	return s.set(ctx, "inventory", inventoryKey(accountID), raw, s.config.InventoryTTL)
}

// ClearAllBalances invalidates the native balance and token inventory entries
// for an account, forcing a fresh read on next access. Metadata is balance
// independent and is left intact.
func (s *Service) ClearAllBalances(ctx context.Context, accountID string) bool {
	balanceOK := s.delete(ctx, "balance", nearBalanceKey(accountID))
	inventoryOK := s.delete(ctx, "inventory", inventoryKey(accountID))
	return balanceOK && inventoryOK
}

func (s *Service) get(ctx context.Context, category, key string) ([]byte, bool) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Error("cache get failed", "key", key, "error", err)
		telemetry.RecordCacheOp(ctx, category, "get", "error")
		return nil, false
	}
	if !ok {
		telemetry.RecordCacheOp(ctx, category, "get", "miss")
		return nil, false
	}
	telemetry.RecordCacheOp(ctx, category, "get", "hit")
	return raw, true
}

func (s *Service) set(ctx context.Context, category, key string, value []byte, ttl time.Duration) bool {
	if err := s.store.SetEx(ctx, key, value, ttl); err != nil {
		s.logger.Error("cache set failed", "key", key, "error", err)
		telemetry.RecordCacheOp(ctx, category, "set", "error")
		return false
	}
	telemetry.RecordCacheOp(ctx, category, "set", "ok")
	return true
}

func (s *Service) delete(ctx context.Context, category, key string) bool {
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Error("cache delete failed", "key", key, "error", err)
		telemetry.RecordCacheOp(ctx, category, "delete", "error")
		return false
	}
	telemetry.RecordCacheOp(ctx, category, "delete", "ok")
	return true
}
