package money

import (
	"fmt"
	"sync"
)

// Asset represents a currency with its atomic-unit precision.
type Asset struct {
	Code     string // Asset code (EUR, BTC, USDT_TRC20, ...)
	Decimals uint8  // Number of decimal places (2 for EUR, 8 for BTC, ...)
	Type     AssetType
}

// AssetType categorizes the asset.
type AssetType int

const (
	AssetTypeFiat   AssetType = iota // Fiat currency (wallet balances, prices)
	AssetTypeCrypto                  // Cryptocurrency settled by the payment processor
)

// Global asset registry with concurrent access protection.
//
// Crypto decimals define the smallest unit used for payment comparison:
// satoshi for BTC/LTC, lamport for SOL, 6-decimal units for the USD
// tokens. ETH and BNB are normalized to 9 places (nano units) rather
// than wei so amounts stay within int64; processor quotes never carry
// more precision than that.
var (
	assetRegistry = map[string]Asset{
		// Fiat currencies
		"EUR": {Code: "EUR", Decimals: 2, Type: AssetTypeFiat},
		"USD": {Code: "USD", Decimals: 2, Type: AssetTypeFiat},

		// Cryptocurrencies accepted by the payment processor
		"BTC":        {Code: "BTC", Decimals: 8, Type: AssetTypeCrypto},
		"LTC":        {Code: "LTC", Decimals: 8, Type: AssetTypeCrypto},
		"ETH":        {Code: "ETH", Decimals: 9, Type: AssetTypeCrypto},
		"SOL":        {Code: "SOL", Decimals: 9, Type: AssetTypeCrypto},
		"BNB":        {Code: "BNB", Decimals: 9, Type: AssetTypeCrypto},
		"USDT_TRC20": {Code: "USDT_TRC20", Decimals: 6, Type: AssetTypeCrypto},
		"USDT_ERC20": {Code: "USDT_ERC20", Decimals: 6, Type: AssetTypeCrypto},
		"USDC_ERC20": {Code: "USDC_ERC20", Decimals: 6, Type: AssetTypeCrypto},
	}
	assetRegistryMu sync.RWMutex
)

// GetAsset retrieves an asset from the registry.
func GetAsset(code string) (Asset, error) {
	assetRegistryMu.RLock()
	asset, ok := assetRegistry[code]
	assetRegistryMu.RUnlock()

	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// MustGetAsset retrieves an asset and panics if not found (for tests/constants).
func MustGetAsset(code string) Asset {
	asset, err := GetAsset(code)
	if err != nil {
		panic(err)
	}
	return asset
}

// RegisterAsset adds a new asset to the registry (for testing or new processor currencies).
func RegisterAsset(asset Asset) error {
	if asset.Code == "" {
		return fmt.Errorf("money: asset code required")
	}
	if asset.Decimals > 18 {
		return fmt.Errorf("money: decimals must be <= 18")
	}

	assetRegistryMu.Lock()
	assetRegistry[asset.Code] = asset
	assetRegistryMu.Unlock()

	return nil
}

// ListAssets returns all registered assets.
func ListAssets() []Asset {
	assetRegistryMu.RLock()
	assets := make([]Asset, 0, len(assetRegistry))
	for _, asset := range assetRegistry {
		assets = append(assets, asset)
	}
	assetRegistryMu.RUnlock()

	return assets
}

// IsFiat returns true if the asset is a fiat currency.
func (a Asset) IsFiat() bool {
	return a.Type == AssetTypeFiat
}

// IsCrypto returns true if the asset is a processor-settled cryptocurrency.
func (a Asset) IsCrypto() bool {
	return a.Type == AssetTypeCrypto
}
