package framework

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var errInvalidPrivKey = errors.New("invalid private key")

type PrivKey struct {
	Priv *ecdsa.PrivateKey
}

func GeneratePrivKey() (*PrivKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return &PrivKey{Priv: priv}, nil
}

// NewPrivKeyFromHex parses a hex encoded secp256k1 key, with or without 0x.
func NewPrivKeyFromHex(hex string) (*PrivKey, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hex), "0x"))
	if err != nil {
		// the underlying error may echo key material
		return nil, errInvalidPrivKey
	}
	return &PrivKey{Priv: priv}, nil
}

func (p *PrivKey) Address() common.Address {
	return crypto.PubkeyToAddress(p.Priv.PublicKey)
}
