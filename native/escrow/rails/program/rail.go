// Package program implements the program-derived escrow rail. Deposits land
// in an account derived deterministically from the bounty and funder, custody
// is confirmed by reading that account over JSON-RPC, and releases are signed
// by an external signer.
package program

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"labescrow/native/escrow"
)

// AccountReader is the JSON-RPC surface used to read chain state. A
// go-ethereum *rpc.Client dialled at the program chain's endpoint satisfies it.
type AccountReader interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Signer submits instructions on behalf of the platform authority and returns
// the transaction signature. Key custody lives behind this interface.
type Signer interface {
	Submit(ctx context.Context, ix Instruction) (string, error)
}

// FuncSigner adapts a callback to the Signer interface.
type FuncSigner func(ctx context.Context, ix Instruction) (string, error)

// Submit delegates to the callback.
func (f FuncSigner) Submit(ctx context.Context, ix Instruction) (string, error) {
	if f == nil {
		return "", errors.New("program: signer not configured")
	}
	return f(ctx, ix)
}

// RPCSigner forwards instructions to a remote signing service over JSON-RPC.
type RPCSigner struct {
	Client AccountReader
	Method string
}

// Submit implements Signer.
func (s RPCSigner) Submit(ctx context.Context, ix Instruction) (string, error) {
	if s.Client == nil {
		return "", errors.New("program: signer client not configured")
	}
	method := s.Method
	if method == "" {
		method = "signer_submitInstruction"
	}
	var signature string
	if err := s.Client.CallContext(ctx, &signature, method, ix); err != nil {
		return "", err
	}
	return signature, nil
}

// Config binds the rail to a deployed escrow program.
type Config struct {
	ProgramID  PublicKey
	Authority  PublicKey
	Mint       PublicKey
	Currency   string
	Units      escrow.Units
	Commitment string
}

// Rail implements escrow.Rail for program-derived escrow accounts.
type Rail struct {
	reader AccountReader
	signer Signer
	cfg    Config
}

// New constructs the rail.
func New(reader AccountReader, signer Signer, cfg Config) (*Rail, error) {
	if reader == nil {
		return nil, errors.New("program: account reader required")
	}
	if signer == nil {
		return nil, errors.New("program: signer required")
	}
	if cfg.ProgramID.IsZero() || cfg.Mint.IsZero() || cfg.Authority.IsZero() {
		return nil, errors.New("program: program id, mint and authority required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if _, err := cfg.Units.ToBase(1); err != nil {
		return nil, err
	}
	return &Rail{reader: reader, signer: signer, cfg: cfg}, nil
}

// Method implements escrow.Rail.
func (r *Rail) Method() escrow.Method { return escrow.MethodProgramEscrow }

// Initiate derives the escrow and vault addresses the client must fund.
func (r *Rail) Initiate(_ context.Context, req escrow.FundRequest) (*escrow.Initiation, error) {
	funder, err := ParsePublicKey(strings.TrimSpace(req.FunderAddress))
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInvalidRequest, false, err, "invalid funder address")
	}
	base, err := r.cfg.Units.ToBase(req.Amount)
	if err != nil || !base.IsUint64() {
		return nil, escrow.NewError(escrow.CodeInvalidAmount, false, "amount %d not representable on-chain", req.Amount)
	}
	escrowAcct, bump, err := EscrowAddress(r.cfg.ProgramID, req.BountyID, funder)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInitiationFailed, false, err, "derive escrow address")
	}
	vault, _, err := VaultAddress(r.cfg.ProgramID, escrowAcct)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInitiationFailed, false, err, "derive vault address")
	}
	return &escrow.Initiation{
		PendingID: escrowAcct.String(),
		Locator:   escrowAcct.String(),
		Metadata: map[string]string{
			"programId":   r.cfg.ProgramID.String(),
			"vault":       vault.String(),
			"mint":        r.cfg.Mint.String(),
			"bump":        strconv.Itoa(int(bump)),
			"amountUnits": base.Dec(),
		},
	}, nil
}

// Confirm reads the escrow account and its vault balance. Client-supplied
// signatures are not trusted.
func (r *Rail) Confirm(ctx context.Context, req escrow.ConfirmRequest) (*escrow.Confirmation, error) {
	escrowAcct, err := ParsePublicKey(req.PendingID)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInvalidRequest, false, err, "invalid escrow account")
	}
	acct, err := r.loadEscrow(ctx, escrowAcct)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.Locked {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	balance, err := r.vaultBalance(ctx, escrowAcct)
	if err != nil {
		return nil, err
	}
	if balance.Lt(uint256.NewInt(acct.Amount)) {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	total, err := r.cfg.Units.FromBase(uint256.NewInt(acct.Amount))
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, "escrow amount out of range")
	}
	return &escrow.Confirmation{
		Confirmed: true,
		Details: escrow.Details{
			Method:         escrow.MethodProgramEscrow,
			TotalAmount:    total,
			Currency:       r.cfg.Currency,
			ProgramAccount: escrowAcct.String(),
			Depositor:      acct.Funder.String(),
		},
	}, nil
}

// Release transfers amount from the vault to the recipient's token account.
func (r *Rail) Release(ctx context.Context, d escrow.Details, recipientID string, amount int64) (*escrow.Settlement, error) {
	recipient, err := ParsePublicKey(recipientID)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeMissingRecipient, false, err, "invalid recipient address")
	}
	return r.transfer(ctx, d, recipient, amount, releaseDiscriminator, escrow.CodeReleaseFailed)
}

// Refund returns amount from the vault to the funder's token account.
func (r *Rail) Refund(ctx context.Context, d escrow.Details, amount int64) (*escrow.Settlement, error) {
	escrowAcct, err := ParsePublicKey(d.ProgramAccount)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInvalidRequest, false, err, "invalid escrow account")
	}
	acct, err := r.loadEscrow(ctx, escrowAcct)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, escrow.NewError(escrow.CodeRefundFailed, false, "escrow account %s not found", escrowAcct)
	}
	return r.transfer(ctx, d, acct.Funder, amount, refundDiscriminator, escrow.CodeRefundFailed)
}

func (r *Rail) transfer(ctx context.Context, d escrow.Details, owner PublicKey, amount int64, disc []byte, failCode escrow.ErrorCode) (*escrow.Settlement, error) {
	escrowAcct, err := ParsePublicKey(d.ProgramAccount)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInvalidRequest, false, err, "invalid escrow account")
	}
	base, err := r.cfg.Units.ToBase(amount)
	if err != nil || !base.IsUint64() {
		return nil, escrow.NewError(escrow.CodeInvalidAmount, false, "amount %d not representable on-chain", amount)
	}
	vault, _, err := VaultAddress(r.cfg.ProgramID, escrowAcct)
	if err != nil {
		return nil, escrow.WrapError(failCode, false, err, "derive vault address")
	}
	balance, err := r.vaultBalance(ctx, escrowAcct)
	if err != nil {
		return nil, err
	}
	if balance.Lt(base) {
		return nil, escrow.NewError(escrow.CodeInsufficientBalance, false, "vault holds %s, need %s", balance.Dec(), base.Dec())
	}
	destination, err := AssociatedTokenAddress(owner, r.cfg.Mint)
	if err != nil {
		return nil, escrow.WrapError(failCode, false, err, "derive destination token account")
	}
	ix := Instruction{
		ProgramID: r.cfg.ProgramID,
		Accounts: []AccountMeta{
			{PublicKey: escrowAcct, IsWritable: true},
			{PublicKey: vault, IsWritable: true},
			{PublicKey: destination, IsWritable: true},
			{PublicKey: r.cfg.Authority, IsSigner: true},
			{PublicKey: TokenProgramID},
		},
		Data: amountData(disc, base.Uint64()),
	}
	signature, err := r.signer.Submit(ctx, ix)
	if err != nil {
		return nil, escrow.WrapError(failCode, true, err, "submit instruction")
	}
	return &escrow.Settlement{TxID: signature}, nil
}

type accountInfoResult struct {
	Value *struct {
		Data  []string `json:"data"`
		Owner string   `json:"owner"`
	} `json:"value"`
}

type tokenBalanceResult struct {
	Value struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"value"`
}

func (r *Rail) loadEscrow(ctx context.Context, addr PublicKey) (*EscrowAccount, error) {
	var res accountInfoResult
	opts := map[string]string{"encoding": "base64", "commitment": r.cfg.Commitment}
	if err := r.reader.CallContext(ctx, &res, "getAccountInfo", addr.String(), opts); err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "getAccountInfo")
	}
	if res.Value == nil || len(res.Value.Data) == 0 {
		return nil, nil
	}
	if res.Value.Owner != r.cfg.ProgramID.String() {
		return nil, escrow.NewError(escrow.CodeConfirmationFailed, false, "account %s not owned by escrow program", addr)
	}
	raw, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, "decode account data")
	}
	acct, err := DecodeEscrowAccount(raw)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, "decode escrow account")
	}
	return acct, nil
}

func (r *Rail) vaultBalance(ctx context.Context, escrowAcct PublicKey) (*uint256.Int, error) {
	vault, _, err := VaultAddress(r.cfg.ProgramID, escrowAcct)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, "derive vault address")
	}
	var res tokenBalanceResult
	opts := map[string]string{"commitment": r.cfg.Commitment}
	if err := r.reader.CallContext(ctx, &res, "getTokenAccountBalance", vault.String(), opts); err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "getTokenAccountBalance")
	}
	if res.Value.Amount == "" {
		return uint256.NewInt(0), nil
	}
	balance, err := uint256.FromDecimal(res.Value.Amount)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, fmt.Sprintf("parse vault balance %q", res.Value.Amount))
	}
	return balance, nil
}
