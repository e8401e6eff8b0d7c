package framework

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

var (
	ErrArtifactNotFound  = errors.New("contract artifact not found")
	ErrAmbiguousArtifact = errors.New("contract name matches more than one artifact")
	ErrUnlinkedLibraries = errors.New("contract bytecode has unlinked libraries")
	ErrNoBytecode        = errors.New("contract artifact has no creation bytecode")
)

// Artifact is a compiled contract as written by Hardhat or Foundry.
type Artifact struct {
	ContractName string
	SourceName   string
	Abi          *abi.ABI

	// Code is the creation bytecode, DeployedCode the runtime bytecode.
	Code         []byte
	DeployedCode []byte

	unlinked bool
}

type artifactJSON struct {
	ContractName     string          `json:"contractName"`
	SourceName       string          `json:"sourceName"`
	Abi              json.RawMessage `json:"abi"`
	Bytecode         json.RawMessage `json:"bytecode"`
	DeployedBytecode json.RawMessage `json:"deployedBytecode"`
	LinkReferences   linkReferences  `json:"linkReferences"`
}

// Foundry nests the hex under "object" and keeps link references next to it.
type foundryBytecode struct {
	Object         string         `json:"object"`
	LinkReferences linkReferences `json:"linkReferences"`
}

type linkReferences map[string]map[string][]struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// ReadArtifact parses the artifact at path.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(ErrArtifactNotFound, path)
		}
		return nil, errors.Wrapf(err, "failed to read artifact %s", path)
	}

	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to decode artifact %s", path)
	}

	contractAbi, err := abi.JSON(bytes.NewReader(raw.Abi))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse abi of %s", path)
	}

	code, codeLinks, err := decodeBytecode(raw.Bytecode)
	if err != nil {
		return nil, errors.Wrapf(err, "bad bytecode in %s", path)
	}
	deployed, _, err := decodeBytecode(raw.DeployedBytecode)
	if err != nil {
		return nil, errors.Wrapf(err, "bad deployed bytecode in %s", path)
	}

	artifact := &Artifact{
		ContractName: raw.ContractName,
		SourceName:   raw.SourceName,
		Abi:          &contractAbi,
		Code:         code,
		DeployedCode: deployed,
		unlinked:     codeLinks || len(raw.LinkReferences) > 0,
	}
	if artifact.ContractName == "" {
		artifact.ContractName = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if artifact.SourceName == "" {
		artifact.SourceName = filepath.Base(filepath.Dir(path))
	}
	return artifact, nil
}

// decodeBytecode accepts either a bare hex string or a Foundry bytecode object.
// The bool reports whether the code still carries library placeholders.
func decodeBytecode(raw json.RawMessage) ([]byte, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}

	var object string
	var links bool
	if raw[0] == '{' {
		var fb foundryBytecode
		if err := json.Unmarshal(raw, &fb); err != nil {
			return nil, false, err
		}
		object = fb.Object
		links = len(fb.LinkReferences) > 0
	} else if err := json.Unmarshal(raw, &object); err != nil {
		return nil, false, err
	}

	// Placeholders look like __$<34 hex>$__ and are not valid hex.
	if strings.Contains(object, "__") {
		return nil, true, nil
	}
	if object == "" || object == "0x" {
		return nil, links, nil
	}
	if !strings.HasPrefix(object, "0x") {
		object = "0x" + object
	}
	code, err := hexutil.Decode(object)
	if err != nil {
		return nil, false, err
	}
	return code, links, nil
}

// Deployable reports why the artifact cannot be used to create a contract.
func (a *Artifact) Deployable() error {
	if a.unlinked {
		return errors.Wrap(ErrUnlinkedLibraries, a.ContractName)
	}
	if len(a.Code) == 0 {
		return errors.Wrap(ErrNoBytecode, a.ContractName)
	}
	return nil
}

// FindArtifact resolves a contract by name under an artifacts directory.
// A bare name such as "Auction" must match exactly one <Source>.sol/Auction.json;
// a fully qualified name such as "contracts/Auction.sol:Auction" selects the file directly.
func FindArtifact(dir, name string) (*Artifact, error) {
	if source, contract, ok := strings.Cut(name, ":"); ok {
		return ReadArtifact(filepath.Join(dir, filepath.FromSlash(source), contract+".json"))
	}

	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" || d.Name() == "cache" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != name+".json" {
			return nil
		}
		switch filepath.Ext(filepath.Dir(path)) {
		case ".sol", ".vy":
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrArtifactNotFound, "%s in %s", name, dir)
		}
		return nil, errors.Wrapf(err, "failed to search artifacts in %s", dir)
	}

	switch len(matches) {
	case 0:
		return nil, errors.Wrapf(ErrArtifactNotFound, "%s in %s", name, dir)
	case 1:
		return ReadArtifact(matches[0])
	default:
		return nil, errors.Wrapf(ErrAmbiguousArtifact, "%s: %s", name, strings.Join(matches, ", "))
	}
}
