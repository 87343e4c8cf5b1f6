package contract

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxSigner signs platform transactions. Implementations may front an HSM or
// remote KMS; KeySigner covers local keys.
type TxSigner interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// KeySigner signs with an in-process secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps an existing key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, errors.New("contract: signing key required")
	}
	return &KeySigner{key: key, addr: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewEnvKeySigner loads a hex-encoded key from the named environment variable.
func NewEnvKeySigner(varName string) (*KeySigner, error) {
	material := strings.TrimSpace(os.Getenv(varName))
	if material == "" {
		return nil, fmt.Errorf("environment variable %s not set", varName)
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(material, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	key, err := gethcrypto.ToECDSA(decoded)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return NewKeySigner(key)
}

// Address returns the signer's account.
func (s *KeySigner) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.addr
}

// SignTx signs tx for chainID.
func (s *KeySigner) SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("contract: signer not configured")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}
