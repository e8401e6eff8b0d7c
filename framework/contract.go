package framework

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

type Contract struct {
	addr  common.Address
	abi   *abi.ABI
	fr    *Framework
	key   *PrivKey
	bound *bind.BoundContract
	gas   uint64

	// Receipt of the creation transaction, nil for contracts from ContractAt.
	Receipt *types.Receipt
}

func (c *Contract) Address() common.Address {
	return c.addr
}

func (c *Contract) Abi() *abi.ABI {
	return c.abi
}

// Ref returns the same contract with transactions signed by key.
func (c *Contract) Ref(key *PrivKey) *Contract {
	ref := *c
	ref.key = key
	return &ref
}

// WithGasLimit returns the same contract with gas estimation replaced by a
// fixed limit for SendTransaction. Zero restores estimation.
func (c *Contract) WithGasLimit(gas uint64) *Contract {
	ref := *c
	ref.gas = gas
	return &ref
}

// Call runs a read-only method against the latest block and returns its
// decoded outputs.
func (c *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: c.key.Address()}
	if err := c.bound.Call(opts, &out, method, args...); err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, c.addr.Hex())
	}
	return out, nil
}

// SendTransaction invokes method in a signed transaction and waits for it
// to be mined.
func (c *Contract) SendTransaction(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	opts, err := c.fr.transactOpts(ctx, c.key)
	if err != nil {
		return nil, err
	}
	opts.GasLimit = c.gas

	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send %s to %s", method, c.addr.Hex())
	}
	c.fr.log.WithField("method", method).WithField("tx", tx.Hash().Hex()).Debug("transaction submitted")

	receipt, err := c.fr.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, errors.Wrapf(ErrTransactionReverted, "%s in %s", method, tx.Hash().Hex())
	}
	return receipt, nil
}
