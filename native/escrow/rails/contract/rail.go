// Package contract implements the contract-escrow rail on an EVM chain. With
// a factory configured each bounty deposits into its own CREATE2 escrow
// contract; otherwise deposits go to the shared platform address and are
// verified from the deposit transaction's Transfer log.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"labescrow/native/escrow"
)

const (
	modeDedicated = "dedicated"
	modeShared    = "shared"
)

var errNoCode = errors.New("contract: no code at address")

// Backend defines the subset of the Ethereum RPC used by the rail.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// Dial opens an RPC connection to the chain node.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("contract: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Config binds the rail to a token and, optionally, an escrow factory.
type Config struct {
	ChainID  *big.Int
	Token    common.Address
	Currency string
	Units    escrow.Units
	// Factory and InitCodeHash enable dedicated per-bounty contracts. When
	// Factory is zero the signer's address is the shared deposit address.
	Factory       common.Address
	InitCodeHash  common.Hash
	Confirmations uint64
}

// Rail implements escrow.Rail for EVM escrow contracts.
type Rail struct {
	backend Backend
	signer  TxSigner
	cfg     Config
}

// New constructs the rail.
func New(backend Backend, signer TxSigner, cfg Config) (*Rail, error) {
	if backend == nil {
		return nil, errors.New("contract: backend required")
	}
	if signer == nil || (signer.Address() == common.Address{}) {
		return nil, errors.New("contract: signer required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("contract: chain id required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, errors.New("contract: token address required")
	}
	if (cfg.Factory != common.Address{}) && (cfg.InitCodeHash == common.Hash{}) {
		return nil, errors.New("contract: init code hash required with factory")
	}
	if _, err := cfg.Units.ToBase(1); err != nil {
		return nil, err
	}
	return &Rail{backend: backend, signer: signer, cfg: cfg}, nil
}

// Method implements escrow.Rail.
func (r *Rail) Method() escrow.Method { return escrow.MethodContractEscrow }

func (r *Rail) dedicated() bool { return r.cfg.Factory != common.Address{} }

func (r *Rail) platform() common.Address { return r.signer.Address() }

// EscrowAddress returns the CREATE2 address of the bounty's escrow contract.
func (r *Rail) EscrowAddress(bountyID string, funder common.Address) common.Address {
	salt := gethcrypto.Keccak256Hash([]byte(bountyID), funder.Bytes())
	return gethcrypto.CreateAddress2(r.cfg.Factory, salt, r.cfg.InitCodeHash.Bytes())
}

// Initiate computes the deposit destination.
func (r *Rail) Initiate(_ context.Context, req escrow.FundRequest) (*escrow.Initiation, error) {
	raw := strings.TrimSpace(req.FunderAddress)
	if !common.IsHexAddress(raw) {
		return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "invalid funder address %q", raw)
	}
	funder := common.HexToAddress(raw)
	base, err := r.cfg.Units.ToBase(req.Amount)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeInvalidAmount, false, err, "amount not representable on-chain")
	}
	meta := map[string]string{
		"token":       r.cfg.Token.Hex(),
		"chainId":     r.cfg.ChainID.String(),
		"amountUnits": base.Dec(),
	}
	destination := r.platform()
	if r.dedicated() {
		destination = r.EscrowAddress(req.BountyID, funder)
		meta["mode"] = modeDedicated
		meta["factory"] = r.cfg.Factory.Hex()
		meta["salt"] = gethcrypto.Keccak256Hash([]byte(req.BountyID), funder.Bytes()).Hex()
	} else {
		meta["mode"] = modeShared
	}
	meta["depositTo"] = destination.Hex()
	return &escrow.Initiation{PendingID: destination.Hex(), Locator: destination.Hex(), Metadata: meta}, nil
}

// Confirm reads contract state, or in shared mode the deposit receipt,
// independent of anything the client claims.
func (r *Rail) Confirm(ctx context.Context, req escrow.ConfirmRequest) (*escrow.Confirmation, error) {
	if !common.IsHexAddress(req.PendingID) {
		return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "invalid escrow address %q", req.PendingID)
	}
	addr := common.HexToAddress(req.PendingID)
	if addr == r.platform() {
		return r.confirmShared(ctx, req.TxHash, req.Depositor)
	}
	return r.confirmDedicated(ctx, addr)
}

func (r *Rail) confirmDedicated(ctx context.Context, addr common.Address) (*escrow.Confirmation, error) {
	lockedOut, err := r.call(ctx, escrowABI, addr, "locked")
	if errors.Is(err, errNoCode) {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "read locked flag")
	}
	if locked, _ := lockedOut[0].(bool); !locked {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	amountOut, err := r.call(ctx, escrowABI, addr, "amount")
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "read escrow amount")
	}
	amount, err := toUint256(amountOut[0])
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, "escrow amount")
	}
	balance, err := r.balanceOf(ctx, addr)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "read token balance")
	}
	if balance.Lt(amount) {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	depositorOut, err := r.call(ctx, escrowABI, addr, "depositor")
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "read depositor")
	}
	depositor, _ := depositorOut[0].(common.Address)
	total, err := r.cfg.Units.FromBase(amount)
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, false, err, "escrow amount")
	}
	return &escrow.Confirmation{Confirmed: true, Details: escrow.Details{
		Method:          escrow.MethodContractEscrow,
		TotalAmount:     total,
		Currency:        r.cfg.Currency,
		ContractAddress: addr.Hex(),
		Depositor:       depositor.Hex(),
	}}, nil
}

// confirmShared accepts the first Transfer of the configured token to the
// platform address in the receipt. With a declared depositor, transfers from
// any other sender are skipped.
func (r *Rail) confirmShared(ctx context.Context, rawHash, depositor string) (*escrow.Confirmation, error) {
	if len(strings.TrimPrefix(rawHash, "0x")) != 2*common.HashLength {
		return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "deposit transaction hash required")
	}
	txHash := common.HexToHash(rawHash)
	receipt, err := r.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "fetch receipt")
	}
	if receipt == nil {
		return &escrow.Confirmation{Confirmed: false}, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, escrow.NewError(escrow.CodeConfirmationFailed, false, "deposit transaction %s reverted", txHash.Hex())
	}
	if r.cfg.Confirmations > 0 {
		header, err := r.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, escrow.WrapError(escrow.CodeConfirmationFailed, true, err, "fetch head")
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil || header.Number.Cmp(receipt.BlockNumber) < 0 {
			return &escrow.Confirmation{Confirmed: false}, nil
		}
		depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		depth.Add(depth, big.NewInt(1))
		if depth.Cmp(new(big.Int).SetUint64(r.cfg.Confirmations)) < 0 {
			return &escrow.Confirmation{Confirmed: false}, nil
		}
	}
	var sender common.Address
	filterSender := common.IsHexAddress(depositor)
	if filterSender {
		sender = common.HexToAddress(depositor)
	}
	platform := r.platform()
	for _, log := range receipt.Logs {
		if log == nil || log.Address != r.cfg.Token || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != platform {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		if filterSender && from != sender {
			continue
		}
		value, overflow := uint256.FromBig(new(big.Int).SetBytes(log.Data))
		if overflow {
			continue
		}
		total, err := r.cfg.Units.FromBase(value)
		if err != nil || total <= 0 {
			continue
		}
		return &escrow.Confirmation{Confirmed: true, Details: escrow.Details{
			Method:          escrow.MethodContractEscrow,
			TotalAmount:     total,
			Currency:        r.cfg.Currency,
			ContractAddress: platform.Hex(),
			Depositor:       from.Hex(),
			DepositTx:       txHash.Hex(),
		}}, nil
	}
	if filterSender {
		return nil, escrow.NewError(escrow.CodeConfirmationFailed, false, "transaction %s carries no deposit from %s to %s", txHash.Hex(), sender.Hex(), platform.Hex())
	}
	return nil, escrow.NewError(escrow.CodeConfirmationFailed, false, "transaction %s carries no deposit to %s", txHash.Hex(), platform.Hex())
}

// Release pays recipient from the escrow contract, or from the platform
// balance in shared mode.
func (r *Rail) Release(ctx context.Context, d escrow.Details, recipientID string, amount int64) (*escrow.Settlement, error) {
	if !common.IsHexAddress(recipientID) {
		return nil, escrow.NewError(escrow.CodeMissingRecipient, false, "invalid recipient address %q", recipientID)
	}
	recipient := common.HexToAddress(recipientID)
	base, source, err := r.prepare(ctx, d, amount, escrow.CodeReleaseFailed)
	if err != nil {
		return nil, err
	}
	var to common.Address
	var data []byte
	if source == r.platform() {
		to = r.cfg.Token
		data, err = erc20ABI.Pack("transfer", recipient, base.ToBig())
	} else {
		to = source
		data, err = escrowABI.Pack("release", recipient, base.ToBig())
	}
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeReleaseFailed, false, err, "encode release")
	}
	return r.submit(ctx, to, data, escrow.CodeReleaseFailed)
}

// Refund returns funds to the depositor.
func (r *Rail) Refund(ctx context.Context, d escrow.Details, amount int64) (*escrow.Settlement, error) {
	base, source, err := r.prepare(ctx, d, amount, escrow.CodeRefundFailed)
	if err != nil {
		return nil, err
	}
	var to common.Address
	var data []byte
	if source == r.platform() {
		if !common.IsHexAddress(d.Depositor) {
			return nil, escrow.NewError(escrow.CodeInvalidRequest, false, "escrow has no depositor address")
		}
		to = r.cfg.Token
		data, err = erc20ABI.Pack("transfer", common.HexToAddress(d.Depositor), base.ToBig())
	} else {
		to = source
		data, err = escrowABI.Pack("refund", base.ToBig())
	}
	if err != nil {
		return nil, escrow.WrapError(escrow.CodeRefundFailed, false, err, "encode refund")
	}
	return r.submit(ctx, to, data, escrow.CodeRefundFailed)
}

// prepare converts amount and checks the source holds enough tokens.
func (r *Rail) prepare(ctx context.Context, d escrow.Details, amount int64, failCode escrow.ErrorCode) (*uint256.Int, common.Address, error) {
	if !common.IsHexAddress(d.ContractAddress) {
		return nil, common.Address{}, escrow.NewError(escrow.CodeInvalidRequest, false, "escrow has no contract address")
	}
	source := common.HexToAddress(d.ContractAddress)
	base, err := r.cfg.Units.ToBase(amount)
	if err != nil {
		return nil, common.Address{}, escrow.WrapError(escrow.CodeInvalidAmount, false, err, "amount not representable on-chain")
	}
	balance, err := r.balanceOf(ctx, source)
	if err != nil {
		return nil, common.Address{}, escrow.WrapError(failCode, true, err, "read token balance")
	}
	if balance.Lt(base) {
		return nil, common.Address{}, escrow.NewError(escrow.CodeInsufficientBalance, false, "%s holds %s, need %s", source.Hex(), balance.Dec(), base.Dec())
	}
	return base, source, nil
}

func (r *Rail) submit(ctx context.Context, to common.Address, data []byte, failCode escrow.ErrorCode) (*escrow.Settlement, error) {
	from := r.platform()
	nonce, err := r.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, escrow.WrapError(failCode, true, err, "fetch nonce")
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, escrow.WrapError(failCode, true, err, "suggest gas price")
	}
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, escrow.WrapError(failCode, true, err, "estimate gas")
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := r.signer.SignTx(ctx, tx, r.cfg.ChainID)
	if err != nil {
		return nil, escrow.WrapError(failCode, false, err, "sign transaction")
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return nil, escrow.WrapError(failCode, true, err, "send transaction").WithTxID(signed.Hash().Hex())
	}
	return &escrow.Settlement{TxID: signed.Hash().Hex()}, nil
}

func (r *Rail) balanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	out, err := r.call(ctx, erc20ABI, r.cfg.Token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return toUint256(out[0])
}

func (r *Rail) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errNoCode
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("contract: %s returned no values", method)
	}
	return values, nil
}

func toUint256(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok || b == nil || b.Sign() < 0 {
		return nil, fmt.Errorf("contract: unexpected uint256 value %v", v)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("contract: value overflows uint256")
	}
	return out, nil
}
