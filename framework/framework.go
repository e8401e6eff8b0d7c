// Package framework wraps go-ethereum's bind package with the handful of
// operations deployment scripts need: deploy an artifact, wait for it to be
// confirmed, and talk to the resulting contract.
package framework

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConfirmations = 1
	DefaultPollInterval  = time.Second
)

var (
	ErrDeploymentReverted  = errors.New("deployment transaction reverted")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("gave up waiting for confirmation")
	ErrNoCodeAfterDeploy   = errors.New("no contract code at deployed address")

	errMissingChainID = errors.New("chain id not configured and backend cannot report it")
	errMissingAbi     = errors.New("contract abi is required")
	errMissingAmount  = errors.New("funding amount is required")
)

// Backend is satisfied by *ethclient.Client and by the simulated backend.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

type Framework struct {
	backend Backend
	key     *PrivKey
	log     *logrus.Entry

	confirmations uint64
	pollInterval  time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

type Option func(*Framework)

func WithLogger(log *logrus.Entry) Option {
	return func(f *Framework) { f.log = log }
}

func WithChainID(id *big.Int) Option {
	return func(f *Framework) {
		if id != nil && id.Sign() > 0 {
			f.chainID = new(big.Int).Set(id)
		}
	}
}

// WithConfirmations sets how many blocks, counting the one that includes the
// transaction, must exist before a deployment is considered final.
func WithConfirmations(n uint64) Option {
	return func(f *Framework) {
		if n > 0 {
			f.confirmations = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(f *Framework) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

func New(backend Backend, key *PrivKey, opts ...Option) *Framework {
	f := &Framework{
		backend:       backend,
		key:           key,
		log:           logrus.NewEntry(logrus.StandardLogger()),
		confirmations: DefaultConfirmations,
		pollInterval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dial connects to the node at rpcURL. When no chain id option is given the
// node is asked for it up front so that a wrong endpoint fails early.
func Dial(ctx context.Context, rpcURL string, key *PrivKey, opts ...Option) (*Framework, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", rpcURL)
	}

	f := New(client, key, opts...)
	chainID, err := f.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	f.log.WithField("rpc", rpcURL).WithField("chainId", chainID).Debug("connected to node")
	return f, nil
}

func (f *Framework) Close() {
	switch b := f.backend.(type) {
	case interface{ Close() }:
		b.Close()
	case interface{ Close() error }:
		if err := b.Close(); err != nil {
			f.log.WithError(err).Warn("failed to close backend")
		}
	}
}

func (f *Framework) Key() *PrivKey {
	return f.key
}

func (f *Framework) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chainID != nil {
		return new(big.Int).Set(f.chainID), nil
	}
	reader, ok := f.backend.(chainIDReader)
	if !ok {
		return nil, errMissingChainID
	}
	id, err := reader.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch chain id")
	}
	f.chainID = new(big.Int).Set(id)
	return id, nil
}

func (f *Framework) transactOpts(ctx context.Context, key *PrivKey) (*bind.TransactOpts, error) {
	chainID, err := f.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key.Priv, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transactor")
	}
	opts.Context = ctx
	return opts, nil
}

type DeployOptions struct {
	// Value is sent to a payable constructor, in wei.
	Value *uint256.Int
	// GasLimit skips gas estimation when non-zero.
	GasLimit uint64
}

// DeployContract submits the creation transaction for artifact and blocks
// until it is confirmed. The returned contract is bound to the framework key.
func (f *Framework) DeployContract(ctx context.Context, artifact *Artifact, deployOpts DeployOptions, args ...interface{}) (*Contract, error) {
	if err := artifact.Deployable(); err != nil {
		return nil, err
	}

	opts, err := f.transactOpts(ctx, f.key)
	if err != nil {
		return nil, err
	}
	if deployOpts.Value != nil {
		opts.Value = deployOpts.Value.ToBig()
	}
	opts.GasLimit = deployOpts.GasLimit

	addr, tx, bound, err := bind.DeployContract(opts, *artifact.Abi, artifact.Code, f.backend, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to submit %s deployment", artifact.ContractName)
	}

	log := f.log.WithField("contract", artifact.ContractName).WithField("tx", tx.Hash().Hex())
	log.WithField("address", addr.Hex()).Info("deployment submitted")

	receipt, err := f.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, errors.Wrapf(ErrDeploymentReverted, "%s in block %d", tx.Hash().Hex(), receipt.BlockNumber)
	}
	if err := f.waitConfirmations(ctx, receipt); err != nil {
		return nil, err
	}

	code, err := f.backend.CodeAt(ctx, receipt.ContractAddress, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch deployed code")
	}
	if len(code) == 0 {
		return nil, errors.Wrap(ErrNoCodeAfterDeploy, receipt.ContractAddress.Hex())
	}

	log.WithField("block", receipt.BlockNumber).WithField("gasUsed", receipt.GasUsed).Debug("deployment confirmed")

	return &Contract{
		addr:    receipt.ContractAddress,
		abi:     artifact.Abi,
		fr:      f,
		key:     f.key,
		bound:   bound,
		Receipt: receipt,
	}, nil
}

// ContractAt binds a contract that is already on chain.
func (f *Framework) ContractAt(addr common.Address, contractAbi *abi.ABI) (*Contract, error) {
	if contractAbi == nil {
		return nil, errMissingAbi
	}
	return &Contract{
		addr:  addr,
		abi:   contractAbi,
		fr:    f,
		key:   f.key,
		bound: bind.NewBoundContract(addr, *contractAbi, f.backend, f.backend, f.backend),
	}, nil
}

func (f *Framework) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := f.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch balance of %s", addr.Hex())
	}
	return balance, nil
}

// FundAccount transfers amount wei from the framework key to addr. The
// receiver may be a contract, gas is estimated against it.
func (f *Framework) FundAccount(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	if amount == nil {
		return errMissingAmount
	}
	tx, err := f.transferTx(ctx, addr, amount.ToBig())
	if err != nil {
		return errors.Wrapf(err, "failed to fund %s", addr.Hex())
	}
	if err := f.backend.SendTransaction(ctx, tx); err != nil {
		return errors.Wrapf(err, "failed to fund %s", addr.Hex())
	}

	receipt, err := f.waitMined(ctx, tx)
	if err != nil {
		return err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return errors.Wrapf(ErrTransactionReverted, "funding %s", addr.Hex())
	}

	f.log.WithField("address", addr.Hex()).WithField("amount", amount.Dec()).Debug("account funded")
	return nil
}

// transferTx builds and signs a plain value transfer. Chains without a base
// fee get a legacy transaction.
func (f *Framework) transferTx(ctx context.Context, to common.Address, value *big.Int) (*types.Transaction, error) {
	chainID, err := f.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	from := f.key.Address()

	nonce, err := f.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch nonce")
	}
	gas, err := f.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value})
	if err != nil {
		return nil, errors.Wrap(err, "failed to estimate gas")
	}
	head, err := f.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch chain head")
	}

	var txData types.TxData
	if head.BaseFee == nil {
		gasPrice, err := f.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to suggest gas price")
		}
		txData = &types.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gas, To: &to, Value: value}
	} else {
		tip, err := f.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to suggest gas tip")
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		txData = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
		}
	}

	tx, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(chainID), f.key.Priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transfer")
	}
	return tx, nil
}

func (f *Framework) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, f.backend, tx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ErrConfirmationTimeout, "%s: %v", tx.Hash().Hex(), ctx.Err())
		}
		return nil, errors.Wrapf(err, "failed waiting for %s", tx.Hash().Hex())
	}
	return receipt, nil
}

func (f *Framework) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if f.confirmations <= 1 {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + f.confirmations - 1

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		head, err := f.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(ErrConfirmationTimeout, "%v", ctx.Err())
			}
			return errors.Wrap(err, "failed to fetch chain head")
		}
		if head.Number.Uint64() >= target {
			return nil
		}
		f.log.WithField("head", head.Number).WithField("target", target).Debug("waiting for confirmations")

		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrConfirmationTimeout, "%v", ctx.Err())
		case <-ticker.C:
		}
	}
}
