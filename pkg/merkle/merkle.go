// Package merkle computes Merkle roots over receipt batches using the
// dual-hash digest. The root commits to every receipt in the batch, so a
// later anchor verification can prove membership without replaying the log.
package merkle

import (
	"github.com/shieldproof-labs/shieldproof/pkg/canonical"
	"github.com/shieldproof-labs/shieldproof/pkg/receipt"
)

// EmptyRoot is the root of an empty batch.
func EmptyRoot() string {
	return canonical.DualHash([]byte("empty"))
}

// Leaf returns the leaf hash for a receipt: the dual hash of its full
// canonical JSON form, envelope included.
func Leaf(r *receipt.Receipt) (string, error) {
	b, err := r.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return canonical.DualHash(b), nil
}

// Leaves hashes a batch of receipts in order.
func Leaves(receipts []*receipt.Receipt) ([]string, error) {
	out := make([]string, len(receipts))
	for i, r := range receipts {
		leaf, err := Leaf(r)
		if err != nil {
			return nil, err
		}
		out[i] = leaf
	}
	return out, nil
}

// Root folds leaf hashes bottom-up. An odd level duplicates its last hash;
// a parent is the dual hash of the two child hash strings concatenated.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, canonical.DualHash([]byte(level[i]+level[i+1])))
		}
		level = next
	}
	return level[0]
}

// RootOf computes the Merkle root over a batch of receipts.
func RootOf(receipts []*receipt.Receipt) (string, error) {
	leaves, err := Leaves(receipts)
	if err != nil {
		return "", err
	}
	return Root(leaves), nil
}
