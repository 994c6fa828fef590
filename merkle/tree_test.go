package merkle

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAndVerifyRoundTrip(t *testing.T) {
	var chunks = [][]byte{
		bytes.Repeat([]byte{'a'}, ChunkSize),
		bytes.Repeat([]byte{'b'}, ChunkSize),
		bytes.Repeat([]byte{'c'}, 3392),
	}
	var tree = Build(chunks)
	var root = tree.Root()

	for i, c := range chunks {
		var leaf = LeafHash(c)
		var proof = tree.Proof(i)
		assert.True(t, Verify(root, leaf, proof), "chunk %d should verify", i)
	}
}

func TestVerifyRejectsWrongLeaf(t *testing.T) {
	var chunks = [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var tree = Build(chunks)
	var root = tree.Root()
	var proof = tree.Proof(0)

	assert.False(t, Verify(root, LeafHash([]byte("tampered")), proof))
}

func TestSingleEmptyLeafForZeroByteFile(t *testing.T) {
	var tree = Build([][]byte{{}})
	var root = tree.Root()
	var proof = tree.Proof(0)
	assert.True(t, Verify(root, LeafHash(nil), proof))
}

func TestOddLeafCountDuplicatesLastSibling(t *testing.T) {
	var chunks = [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	var tree = Build(chunks)
	assert.Len(t, tree.Levels[0], 3)
	assert.Len(t, tree.Levels[1], 2) // ceil(3/2)
	assert.Len(t, tree.Levels[2], 1) // root

	for i := range chunks {
		assert.True(t, Verify(tree.Root(), LeafHash(chunks[i]), tree.Proof(i)))
	}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(0))
	assert.Equal(t, 1, ChunkCount(1))
	assert.Equal(t, 1, ChunkCount(ChunkSize))
	assert.Equal(t, 2, ChunkCount(ChunkSize+1))
	assert.Equal(t, 4, ChunkCount(200000))
}
