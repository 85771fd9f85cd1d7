package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasherIsFieldSeparated(t *testing.T) {
	a := NewHasher().String("ab").String("c").Sum()
	b := NewHasher().String("a").String("bc").Sum()
	assert.NotEqual(t, a, b)

	again := NewHasher().String("ab").String("c").Sum()
	assert.Equal(t, a, again)
}

func TestFingerprintEquality(t *testing.T) {
	base := Fingerprint{HeadOID: "abc", IndexStateHash: 1}
	same := Fingerprint{HeadOID: "abc", IndexStateHash: 1}
	dirty := base
	dirty.WorktreeDirty = true
	dirty.WorktreeStamp = 7

	assert.Equal(t, base, same)
	assert.Equal(t, base.Key(), same.Key())
	assert.NotEqual(t, base, dirty)
	assert.NotEqual(t, base.Key(), dirty.Key())
	assert.True(t, Fingerprint{}.IsZero())
	assert.False(t, base.IsZero())
	assert.Contains(t, dirty.String(), "dirty")
}
