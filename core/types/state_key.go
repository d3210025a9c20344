package types

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// KeyLength is the fixed byte length of a StateKey: account address,
	// a per-account slot, and one kind byte.
	KeyLength = common.AddressLength + common.HashLength + 1

	resourceKind = 0
	moduleKind   = 1
	groupKind    = 2
)

// StateKey is an opaque address of a single state item. The kind byte
// distinguishes resources, resource groups and modules; everything in the
// state layer treats the key as an opaque, comparable array.
type StateKey [KeyLength]byte

// Tag addresses a single resource inside a resource group.
type Tag uint32

func newKey(addr common.Address, slot common.Hash, kind byte) StateKey {
	var k StateKey
	copy(k[:common.AddressLength], addr.Bytes())
	copy(k[common.AddressLength:common.AddressLength+common.HashLength], slot.Bytes())
	k[KeyLength-1] = kind
	return k
}

// NewResourceKey returns the key of a plain resource.
func NewResourceKey(addr common.Address, slot common.Hash) StateKey {
	return newKey(addr, slot, resourceKind)
}

// NewGroupKey returns the key of a resource group. The stored value of a
// group key decodes to an ordered tag -> bytes map.
func NewGroupKey(addr common.Address, slot common.Hash) StateKey {
	return newKey(addr, slot, groupKind)
}

// NewModuleKey returns the key of a published module.
func NewModuleKey(addr common.Address, nameHash common.Hash) StateKey {
	return newKey(addr, nameHash, moduleKind)
}

// IsModulePath reports whether the key addresses a module rather than a
// resource or a resource group.
func (k StateKey) IsModulePath() bool {
	return k[KeyLength-1] == moduleKind
}

func (k StateKey) Address() common.Address {
	return common.BytesToAddress(k[:common.AddressLength])
}

func (k StateKey) String() string {
	return fmt.Sprintf("%x/%x/%d", k[:common.AddressLength],
		k[common.AddressLength:KeyLength-1], k[KeyLength-1])
}

// Compare orders keys lexicographically, used by ordered collections.
func (k StateKey) Compare(other StateKey) int {
	return bytes.Compare(k[:], other[:])
}
