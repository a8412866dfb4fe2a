package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer supplies the wallet capability required before any state-changing
// chain call. A nil signer on the client surfaces escrow.ErrSignerUnavailable
// without touching the network.
type Signer interface {
	Address() common.Address
}

// LocalSigner holds an in-process ECDSA key. It backs the platform identity
// used for auto-approval and service-initiated refunds.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner derives a signer from a hex-encoded private key.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("chain: empty signer key")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse signer key: %w", err)
	}
	return &LocalSigner{
		key:  key,
		addr: ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's account address.
func (s *LocalSigner) Address() common.Address { return s.addr }
