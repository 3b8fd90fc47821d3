package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDOrdering(t *testing.T) {
	a := ObjectID{Inode: 1, Stripe: 0}
	b := ObjectID{Inode: 1, Stripe: 16}
	c := ObjectID{Inode: 2, Stripe: 0}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.False(t, c.Less(a))
	require.False(t, a.Less(a))

	require.True(t, ObjVer{OID: a, Version: 1}.Less(ObjVer{OID: a, Version: 2}))
	require.True(t, ObjVer{OID: a, Version: 9}.Less(ObjVer{OID: b, Version: 1}))
}

func TestObjectIDReplica(t *testing.T) {
	o := ObjectID{Inode: 7, Stripe: 5<<ReplicaBits | 3}
	assert.Equal(t, uint64(5), o.StripeNum())
	assert.Equal(t, uint8(3), o.Replica())
	assert.True(t, ObjectID{}.IsZero())
	assert.False(t, o.IsZero())
}

func TestStatePredicates(t *testing.T) {
	stable := []State{
		StJournalStable, StJournalMoved, StJournalMoveSynced,
		StBigStable, StBigMetaMoved, StBigMetaCommitted,
		StDelSynced, StDelStable, StCurrent,
	}
	for _, s := range stable {
		assert.True(t, s.IsStable(), s.String())
	}
	unstable := []State{
		StInFlight, StJournalWritten, StJournalSynced,
		StBigWritten, StBigSynced, StBigMetaWritten, StBigMetaSynced,
		StDelWritten, StDelMoved, StFailed,
	}
	for _, s := range unstable {
		assert.False(t, s.IsStable(), s.String())
	}

	for _, s := range []State{StJournalWritten, StJournalSynced, StJournalStable, StJournalMoved, StJournalMoveSynced} {
		assert.True(t, s.InJournal(), s.String())
	}
	assert.False(t, StBigWritten.InJournal())
	assert.False(t, StInFlight.InJournal())
	assert.False(t, StDelWritten.InJournal())

	assert.True(t, StBigMetaCommitted.IsBig())
	assert.False(t, StJournalStable.IsBig())
	assert.True(t, StDelMoved.IsDelete())
	assert.False(t, StCurrent.IsDelete())

	assert.False(t, StFailed.InJournal())
	assert.False(t, StFailed.IsBig())
	assert.False(t, StFailed.IsDelete())
	assert.False(t, StFailed.IsSynced())
}
