package bountyd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"labescrow/native/escrow"
	"labescrow/native/escrow/rails/card"
	"labescrow/native/escrow/rails/contract"
	"labescrow/native/escrow/rails/program"
	"labescrow/observability/logging"
)

// buildRails dials every enabled rail. The returned closer releases RPC
// connections and is safe to call when an error is returned.
func buildRails(ctx context.Context, cfg RailsConfig, logger *slog.Logger) ([]escrow.Rail, func(), error) {
	var (
		rails   []escrow.Rail
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Card.Enabled {
		client := card.NewHTTPClient(cfg.Card.BaseURL, cfg.Card.SecretKey)
		r, err := card.New(client,
			card.WithFeeBps(cfg.Card.FeeBps),
			card.WithAuthorizationTTL(cfg.Card.AuthorizationTTL.Duration))
		if err != nil {
			return nil, closeAll, fmt.Errorf("card rail: %w", err)
		}
		logger.Info("card rail enabled",
			slog.String("base_url", cfg.Card.BaseURL),
			slog.Int("fee_bps", int(cfg.Card.FeeBps)),
			logging.MaskField("secret_key", cfg.Card.SecretKey))
		rails = append(rails, r)
	}

	if cfg.Program.Enabled {
		r, closer, err := buildProgramRail(ctx, cfg.Program)
		closers = append(closers, closer)
		if err != nil {
			return nil, closeAll, fmt.Errorf("program rail: %w", err)
		}
		logger.Info("program rail enabled",
			slog.String("program_id", cfg.Program.ProgramID),
			slog.String("mint", cfg.Program.Mint))
		rails = append(rails, r)
	}

	if cfg.Contract.Enabled {
		r, closer, err := buildContractRail(ctx, cfg.Contract)
		closers = append(closers, closer)
		if err != nil {
			return nil, closeAll, fmt.Errorf("contract rail: %w", err)
		}
		mode := "shared"
		if cfg.Contract.Factory != "" {
			mode = "dedicated"
		}
		logger.Info("contract rail enabled",
			slog.Int64("chain_id", cfg.Contract.ChainID),
			slog.String("token", cfg.Contract.Token),
			slog.String("mode", mode))
		rails = append(rails, r)
	}
	return rails, closeAll, nil
}

func buildProgramRail(ctx context.Context, cfg ProgramRailConfig) (*program.Rail, func(), error) {
	noop := func() {}
	programID, err := program.ParsePublicKey(cfg.ProgramID)
	if err != nil {
		return nil, noop, fmt.Errorf("program_id: %w", err)
	}
	authority, err := program.ParsePublicKey(cfg.Authority)
	if err != nil {
		return nil, noop, fmt.Errorf("authority: %w", err)
	}
	mint, err := program.ParsePublicKey(cfg.Mint)
	if err != nil {
		return nil, noop, fmt.Errorf("mint: %w", err)
	}
	reader, err := rpc.DialContext(ctx, strings.TrimSpace(cfg.RPCEndpoint))
	if err != nil {
		return nil, noop, fmt.Errorf("dial rpc: %w", err)
	}
	closer := reader.Close
	signerClient := reader
	if endpoint := strings.TrimSpace(cfg.SignerEndpoint); endpoint != "" {
		signerClient, err = rpc.DialContext(ctx, endpoint)
		if err != nil {
			return nil, closer, fmt.Errorf("dial signer: %w", err)
		}
		closer = func() {
			signerClient.Close()
			reader.Close()
		}
	}
	r, err := program.New(reader, program.RPCSigner{Client: signerClient, Method: cfg.SignerMethod}, program.Config{
		ProgramID:  programID,
		Authority:  authority,
		Mint:       mint,
		Currency:   cfg.Currency,
		Units:      escrow.Units{MinorDecimals: cfg.MinorDecimals, TokenDecimals: cfg.TokenDecimals},
		Commitment: cfg.Commitment,
	})
	if err != nil {
		return nil, closer, err
	}
	return r, closer, nil
}

func buildContractRail(ctx context.Context, cfg ContractRailConfig) (*contract.Rail, func(), error) {
	noop := func() {}
	if !common.IsHexAddress(cfg.Token) {
		return nil, noop, fmt.Errorf("token %q is not an address", cfg.Token)
	}
	var factory common.Address
	var initCodeHash common.Hash
	if cfg.Factory != "" {
		if !common.IsHexAddress(cfg.Factory) {
			return nil, noop, fmt.Errorf("factory %q is not an address", cfg.Factory)
		}
		factory = common.HexToAddress(cfg.Factory)
		initCodeHash = common.HexToHash(cfg.InitCodeHash)
	}
	signer, err := contract.NewEnvKeySigner(cfg.SignerKeyEnv)
	if err != nil {
		return nil, noop, fmt.Errorf("signer: %w", err)
	}
	client, err := contract.Dial(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, noop, fmt.Errorf("dial: %w", err)
	}
	r, err := contract.New(client, signer, contract.Config{
		ChainID:       big.NewInt(cfg.ChainID),
		Token:         common.HexToAddress(cfg.Token),
		Currency:      cfg.Currency,
		Units:         escrow.Units{MinorDecimals: cfg.MinorDecimals, TokenDecimals: cfg.TokenDecimals},
		Factory:       factory,
		InitCodeHash:  initCodeHash,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		return nil, client.Close, err
	}
	return r, client.Close, nil
}
