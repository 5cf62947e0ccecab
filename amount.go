// Package chaincache provides shared value helpers for the chain data cache:
// token amount formatting and the RPC error taxonomy that drives retry policy.
package chaincache

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// YoctoDecimals is the number of decimal places in the chain's native
	// token: 1 NEAR = 10^24 yoctoNEAR.
	YoctoDecimals = 24

	// DefaultTokenDecimals is assumed when a fungible token's metadata omits
	// the decimals field. NEAR-native contracts conventionally use 24.
	DefaultTokenDecimals = 24

	// ZeroNear is the degraded balance shown when a balance read cannot
	// complete.
	ZeroNear = "0 NEAR"

	// nearDisplayPlaces is the maximum number of decimal places shown for
	// native balances. Trailing zeros are trimmed.
	nearDisplayPlaces = 4

	// tokenDisplayPlaces is the fixed number of decimal places shown for
	// fungible token balances.
	tokenDisplayPlaces = 6
)

// FormatNear converts a raw yoctoNEAR amount to a display string such as
// "1.2345 NEAR". Values are truncated (not rounded) to four decimal places
// and trailing zeros are trimmed.
func FormatNear(yocto string) (string, error) {
	s, err := formatScaled(yocto, YoctoDecimals, nearDisplayPlaces, true)
	if err != nil {
		return "", err
	}
	return s + " NEAR", nil
}

// FormatTokenAmount converts a raw fungible token amount to a decimal string
// with exactly six decimal places, using the token's own decimal count.
// A raw amount of "1500000000000000000" with 18 decimals renders as
// "1.500000".
func FormatTokenAmount(raw string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals: %d", decimals)
	}
	return formatScaled(raw, decimals, tokenDisplayPlaces, false)
}

// ZeroTokenAmount is the degraded per-token balance used when conversion of a
// single inventory entry fails.
func ZeroTokenAmount() string {
	return "0." + strings.Repeat("0", tokenDisplayPlaces)
}

// formatScaled divides a raw integer amount by 10^decimals and renders it
// with the given number of decimal places, truncating excess precision.
func formatScaled(raw string, decimals, places int, trim bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty amount")
	}

	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return "", fmt.Errorf("negative amount %q", raw)
	}

	// Scale to the display precision, then split into integer and fraction.
	// quotient = amount * 10^places / 10^decimals
	quotient := new(big.Int).Mul(amount, pow10(places))
	quotient.Quo(quotient, pow10(decimals))

	scale := pow10(places)
	intPart, fracPart := new(big.Int).QuoRem(quotient, scale, new(big.Int))

	frac := fmt.Sprintf("%0*d", places, fracPart)
	if trim {
		frac = strings.TrimRight(frac, "0")
	}

	if frac == "" {
		return intPart.String(), nil
	}
	return intPart.String() + "." + frac, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
