package framework

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/core"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	// creation code for a contract whose runtime returns uint256(42) for any call
	answerCode = "0x600a600c600039600a6000f3602a60005260206000f3"
	// creation code that returns an empty runtime
	emptyRuntimeCode = "0x60006000f3"
	// creation code that reverts
	revertingCode = "0x60006000fd"
	// creation code for a contract whose runtime reverts on every call
	revertingRuntimeCode = "0x6005600c60003960056000f360006000fd"

	answerAbi = `[{"type":"function","name":"value","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]`
	bidAbi    = `[{"type":"function","name":"bid","inputs":[],"outputs":[],"stateMutability":"nonpayable"}]`

	devKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

var simChainID = big.NewInt(1337)

type testChain struct {
	sim *backends.SimulatedBackend
	key *PrivKey
	fr  *Framework
}

func newTestChain(t *testing.T, opts ...Option) *testChain {
	t.Helper()

	key, err := NewPrivKeyFromHex(devKeyHex)
	require.NoError(t, err)

	funds := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	sim := backends.NewSimulatedBackend(core.GenesisAlloc{
		key.Address(): {Balance: funds},
	}, 30_000_000)
	t.Cleanup(func() { _ = sim.Close() })

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetOutput(os.Stderr)

	base := []Option{WithChainID(simChainID), WithPollInterval(10 * time.Millisecond), WithLogger(logrus.NewEntry(log))}
	return &testChain{
		sim: sim,
		key: key,
		fr:  New(sim, key, append(base, opts...)...),
	}
}

// autoCommit mines a block every few milliseconds until the test ends.
func (c *testChain) autoCommit(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.sim.Commit()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
	})
}

func writeArtifact(t *testing.T, dir, source, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(source), name+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func hardhatArtifact(name, source, abiJSON, bytecode string) string {
	return `{
  "_format": "hh-sol-artifact-1",
  "contractName": "` + name + `",
  "sourceName": "` + source + `",
  "abi": ` + abiJSON + `,
  "bytecode": "` + bytecode + `",
  "deployedBytecode": "0x",
  "linkReferences": {},
  "deployedLinkReferences": {}
}`
}

func loadArtifact(t *testing.T, abiJSON, bytecode string) *Artifact {
	t.Helper()

	dir := t.TempDir()
	path := writeArtifact(t, dir, "contracts/Answer.sol", "Answer", hardhatArtifact("Answer", "contracts/Answer.sol", abiJSON, bytecode))
	artifact, err := ReadArtifact(path)
	require.NoError(t, err)
	return artifact
}
