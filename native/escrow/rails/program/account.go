package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Account layout of the escrow state account:
//
//	discriminator [8] | bounty seed [32] | funder [32] | mint [32] | amount u64 LE | locked u8 | bump u8
const escrowAccountSize = 8 + 32 + 32 + 32 + 8 + 1 + 1

// EscrowAccount is the decoded on-chain escrow state.
type EscrowAccount struct {
	BountySeed [32]byte
	Funder     PublicKey
	Mint       PublicKey
	Amount     uint64
	Locked     bool
	Bump       uint8
}

func discriminator(namespace, name string) []byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	return sum[:8]
}

var (
	escrowAccountDiscriminator = discriminator("account", "BountyEscrow")
	releaseDiscriminator       = discriminator("global", "release")
	refundDiscriminator        = discriminator("global", "refund")
)

// DecodeEscrowAccount parses raw account data.
func DecodeEscrowAccount(data []byte) (*EscrowAccount, error) {
	if len(data) < escrowAccountSize {
		return nil, fmt.Errorf("program: escrow account too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], escrowAccountDiscriminator) {
		return nil, fmt.Errorf("program: account is not a bounty escrow")
	}
	acct := &EscrowAccount{}
	off := 8
	copy(acct.BountySeed[:], data[off:off+32])
	off += 32
	copy(acct.Funder[:], data[off:off+32])
	off += 32
	copy(acct.Mint[:], data[off:off+32])
	off += 32
	acct.Amount = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	acct.Locked = data[off] == 1
	acct.Bump = data[off+1]
	return acct, nil
}

// Encode serialises the account, mainly for fixtures.
func (a *EscrowAccount) Encode() []byte {
	buf := make([]byte, 0, escrowAccountSize)
	buf = append(buf, escrowAccountDiscriminator...)
	buf = append(buf, a.BountySeed[:]...)
	buf = append(buf, a.Funder[:]...)
	buf = append(buf, a.Mint[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Amount)
	locked := byte(0)
	if a.Locked {
		locked = 1
	}
	return append(buf, locked, a.Bump)
}

// AccountMeta describes an account referenced by an instruction.
type AccountMeta struct {
	PublicKey  PublicKey `json:"pubkey"`
	IsSigner   bool      `json:"isSigner"`
	IsWritable bool      `json:"isWritable"`
}

// Instruction is an unsigned program call handed to the external signer.
type Instruction struct {
	ProgramID PublicKey     `json:"programId"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

func amountData(disc []byte, amount uint64) []byte {
	data := make([]byte, 0, len(disc)+8)
	data = append(data, disc...)
	return binary.LittleEndian.AppendUint64(data, amount)
}
