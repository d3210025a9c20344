package mvhashmap

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
)

const executableCacheSize = 1024

// VersionedModules is the module sub-store. Modules change rarely inside
// a block, so verified executables are cached by code hash and reused
// across incarnations.
type VersionedModules struct {
	mu          sync.RWMutex
	m           map[types.StateKey]*versionedValue
	executables *lru.Cache
}

func NewVersionedModules() *VersionedModules {
	cache, err := lru.New(executableCacheSize)
	if err != nil {
		panic(err)
	}
	return &VersionedModules{
		m:           make(map[types.StateKey]*versionedValue),
		executables: cache,
	}
}

// Write publishes a module at the given version.
func (s *VersionedModules) Write(key types.StateKey, version Version, op *types.WriteOp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.m[key]
	if !ok {
		v = newVersionedValue()
		s.m[key] = v
	}
	v.versions.Put(version.TxnIdx, &dataEntry{incarnation: version.Incarnation, value: RawFromStorage(op)})
}

// SetBaseValue installs the storage copy of a module.
func (s *VersionedModules) SetBaseValue(key types.StateKey, op *types.WriteOp) {
	s.Write(key, StorageVersion, op)
}

// MarkEstimate flags a transaction's module write as an estimate.
func (s *VersionedModules) MarkEstimate(key types.StateKey, txnIdx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.m[key]; ok {
		if e, ok := v.versions.Get(txnIdx); ok {
			e.(*dataEntry).estimate = true
		}
	}
}

// StoreExecutable caches the verified executable for module bytes.
func (s *VersionedModules) StoreExecutable(codeHash common.Hash, exec Executable) {
	s.executables.Add(codeHash, exec)
}

// FetchModule serves a module read at txnIdx. An estimate below the
// reader surfaces as a dependency; no entry at all is ErrNotFound.
func (s *VersionedModules) FetchModule(key types.StateKey, txnIdx int) (ModuleOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m[key]
	if !ok {
		return ModuleOutput{}, ErrNotFound
	}
	at, e, ok := v.floorBelow(txnIdx)
	if !ok {
		return ModuleOutput{}, ErrNotFound
	}
	if e.estimate {
		return ModuleOutput{}, &aggregator.DependencyError{DepTxnIdx: at}
	}

	out := ModuleOutput{Module: e.value.Op}
	if b := e.value.Op.Bytes(); b != nil {
		if exec, ok := s.executables.Get(crypto.Keccak256Hash(b)); ok {
			out.Executable = exec.(Executable)
		}
	}
	return out, nil
}
