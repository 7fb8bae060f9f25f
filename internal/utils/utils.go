// Package utils provides common utility functions for symbol validation.
//
// This package contains helpers for working with Binance USDT-margined
// futures contract symbols, validating them before stream subscriptions or
// REST requests are issued.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
)

// QuoteAssetSet contains the quote assets accepted for monitored contracts.
// The monitor tracks turnover in USD terms, so only stablecoin-quoted
// contracts are meaningful inputs.
var QuoteAssetSet = map[string]bool{
	"USDT": true, // Tether USD
	"USDC": true, // USD Coin
	"BUSD": true, // Binance USD (delisted pairs may still be in the store)
}

// ValidateSymbol validates that a contract symbol is plausibly a Binance
// futures symbol with a supported quote asset suffix.
//
// Expected format is "BASEQUOTE" without a separator, e.g. "BTCUSDT" or
// "1000SHIBUSDT". Validation is case-insensitive; callers should upper-case
// symbols before subscribing.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	upper := strings.ToUpper(symbol)
	for quote := range QuoteAssetSet {
		if strings.HasSuffix(upper, quote) {
			if len(upper) == len(quote) {
				return fmt.Errorf("symbol %q has no base asset", symbol)
			}
			return nil
		}
	}

	return fmt.Errorf("unsupported quote asset in symbol %q", symbol)
}

// ValidateSymbols validates a slice of contract symbols and enforces
// quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: the number of symbols must be within maxAllowed
//  2. Format validation: each symbol is checked with ValidateSymbol
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// NormalizeSymbols upper-cases and de-duplicates a symbol list, preserving
// first-seen order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper := strings.ToUpper(strings.TrimSpace(s))
		if upper == "" {
			continue
		}
		if _, ok := seen[upper]; ok {
			continue
		}
		seen[upper] = struct{}{}
		out = append(out, upper)
	}
	return out
}
