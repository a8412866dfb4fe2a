package escrow

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ParseAmount decodes a base-unit decimal string into a non-negative big
// integer. Amounts travel as strings on the wire and in storage so no
// precision is lost.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("escrow: empty amount")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative amount %q", raw)
	}
	return value, nil
}

// FormatAmount renders an amount for storage and the wire. Nil collapses to
// zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SumAmounts adds the supplied decimal strings, failing on the first
// malformed entry.
func SumAmounts(values ...string) (*big.Int, error) {
	total := big.NewInt(0)
	for _, raw := range values {
		v, err := ParseAmount(raw)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}

// DeriveEscrowID computes the deterministic on-chain identifier for an order:
// the keccak256 hash of the order UUID and both party addresses. The same
// derivation runs in the escrow contract, so client and chain agree on the
// identifier without an extra round trip.
func DeriveEscrowID(orderID uuid.UUID, client, builder string) string {
	normClient := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(client), "0x"))
	normBuilder := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(builder), "0x"))
	hash := ethcrypto.Keccak256Hash(orderID[:], []byte(normClient), []byte(normBuilder))
	return hash.Hex()
}
