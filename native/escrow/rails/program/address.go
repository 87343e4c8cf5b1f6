package program

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"
)

const (
	publicKeyLength = 32
	maxSeedLength   = 32
	maxSeeds        = 16
	pdaMarker       = "ProgramDerivedAddress"
)

var (
	// TokenProgramID is the SPL token program.
	TokenProgramID = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	// AssociatedTokenProgramID derives canonical token accounts.
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsKqRWaV4kgNbodJtZKtHc")
)

// ErrNoViableBump is returned when every bump seed yields an on-curve point.
var ErrNoViableBump = errors.New("program: unable to find a viable program address bump seed")

// PublicKey is a 32-byte account address rendered in base58.
type PublicKey [publicKeyLength]byte

// ParsePublicKey decodes a base58 account address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw := base58.Decode(s)
	if len(raw) != publicKeyLength {
		return pk, fmt.Errorf("program: invalid address %q", s)
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for constants known to be valid.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// MarshalText renders the key in base58.
func (pk PublicKey) MarshalText() ([]byte, error) { return []byte(pk.String()), nil }

// UnmarshalText parses a base58 key.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes the seeds with the program id and rejects
// results that fall on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, fmt.Errorf("program: too many seeds: %d", len(seeds))
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return PublicKey{}, fmt.Errorf("program: seed exceeds %d bytes", maxSeedLength)
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))
	sum := h.Sum(nil)
	if onCurve(sum) {
		return PublicKey{}, errors.New("program: derived address is on curve")
	}
	var pk PublicKey
	copy(pk[:], sum)
	return pk, nil
}

// FindProgramAddress searches bump seeds from 255 downward and returns the
// first off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

// BountySeed compresses an arbitrary bounty id into a single seed.
func BountySeed(bountyID string) []byte {
	sum := sha256.Sum256([]byte(bountyID))
	return sum[:]
}

// EscrowAddress derives the escrow state account for a bounty and funder.
func EscrowAddress(programID PublicKey, bountyID string, funder PublicKey) (PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{[]byte("escrow"), BountySeed(bountyID), funder[:]}, programID)
}

// AssociatedTokenAddress derives the canonical token account of owner for
// mint.
func AssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	pk, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
	return pk, err
}

// VaultAddress derives the token vault owned by an escrow account.
func VaultAddress(programID, escrowAccount PublicKey) (PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{[]byte("vault"), escrowAccount[:]}, programID)
}
