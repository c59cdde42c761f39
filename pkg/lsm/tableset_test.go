package lsm

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableIDs(tables []*FileTable) []uint64 {
	out := make([]uint64, len(tables))
	for i, t := range tables {
		out[i] = t.ID()
	}
	return out
}

func TestTableSetOrdering(t *testing.T) {
	tt := newTestTables(t)
	old0 := tt.build(tuple("a", 1, ""), tuple("z", 1, ""))
	new0 := tt.build(tuple("m", 2, ""))
	right := tt.build(tuple("n", 0, ""), tuple("p", 0, ""))
	left := tt.build(tuple("b", 0, ""), tuple("d", 0, ""))

	ts := NewTableSet([][]*FileTable{{old0, new0}, {right, left}})

	assert.Equal(t, []uint64{new0.ID(), old0.ID()}, tableIDs(ts.Level(0)), "level 0 newest first")
	assert.Equal(t, []uint64{left.ID(), right.ID()}, tableIDs(ts.Level(1)), "deeper levels by key")
	assert.Equal(t, 4, ts.Count())
	assert.Equal(t, 1, ts.LevelOf(right.ID()))
	assert.Equal(t, -1, ts.LevelOf(999))

	assert.Equal(t, []uint64{old0.ID(), left.ID()}, tableIDs(ts.ForKey([]byte("c"))))
	assert.Equal(t, []uint64{new0.ID(), old0.ID()}, tableIDs(ts.ForKey([]byte("m"))))
	assert.Equal(t, []uint64{old0.ID(), right.ID()}, tableIDs(ts.ForKey([]byte("o"))))
	assert.Empty(t, ts.ForKey([]byte("0")))
}

func TestLiveTablesSwap(t *testing.T) {
	tt := newTestTables(t)
	a := tt.build(tuple("a", 1, ""))
	b := tt.build(tuple("b", 2, ""))
	c := tt.build(tuple("c", 3, ""))

	lt := NewLiveTables(NewTableSet([][]*FileTable{{a, b}}))
	before := lt.Current()

	after, err := lt.Swap([]*FileTable{a, b}, []LeveledTable{{Table: c, Level: 2}}, nil)
	require.NoError(t, err)
	assert.Same(t, after, lt.Current())
	assert.Equal(t, 3, after.NumLevels())
	assert.Equal(t, []uint64{c.ID()}, tableIDs(after.Level(2)))
	assert.Empty(t, after.Level(0))

	// The captured set is unchanged.
	assert.Equal(t, 2, before.Count())

	boom := errors.New("manifest write failed")
	_, err = lt.Swap([]*FileTable{c}, nil, func(*TableSet) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Same(t, after, lt.Current(), "vetoed swap leaves the set alone")
}

func TestSnapshotManager(t *testing.T) {
	m := NewSnapshotManager(10)
	assert.Equal(t, uint64(10), m.Current())

	s := m.Issue()
	assert.Equal(t, uint64(11), s)
	assert.Equal(t, uint64(10), m.Current(), "issued but not yet published")
	m.Publish(s)
	assert.Equal(t, uint64(11), m.Current())
	m.Publish(5)
	assert.Equal(t, uint64(11), m.Current(), "publish never moves backwards")

	r1 := m.Acquire()
	assert.Equal(t, uint64(11), r1.Snapshot)
	m.Publish(m.Issue())
	r2 := m.Acquire()
	assert.Equal(t, uint64(11), m.MinLiveSnapshot())

	swapTicket := m.LastTicket()
	r3 := m.Acquire()
	assert.True(t, m.HasReadersUpTo(swapTicket))

	m.Release(r1)
	m.Release(r2)
	assert.False(t, m.HasReadersUpTo(swapTicket), "only readers after the swap remain")
	assert.Equal(t, uint64(12), m.MinLiveSnapshot())

	m.Release(r3)
	m.Release(r3)
	assert.Equal(t, 0, m.LiveReaders())
	assert.Equal(t, m.Current(), m.MinLiveSnapshot())
}

func TestSnapshotManagerConcurrentIssue(t *testing.T) {
	m := NewSnapshotManager(0)
	var wg sync.WaitGroup
	seen := sync.Map{}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s := m.Issue()
				if _, dup := seen.LoadOrStore(s, true); dup {
					t.Errorf("snapshot %d issued twice", s)
				}
				m.Publish(s)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), m.Current())
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadManifest(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	m := &Manifest{
		DBID:         "db",
		NextID:       10,
		LogFloor:     7,
		LastSnapshot: 99,
		Tables:       []ManifestTable{{ID: 5, Level: 1}, {ID: 3, Level: 0}, {ID: 4, Level: 1}},
	}
	require.NoError(t, m.Save(dir))

	got, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "db", got.DBID)
	assert.Equal(t, uint64(7), got.LogFloor)
	assert.Equal(t, uint64(99), got.LastSnapshot)
	assert.Equal(t, []ManifestTable{{ID: 3, Level: 0}, {ID: 4, Level: 1}, {ID: 5, Level: 1}}, got.Tables)

	_, err = os.Stat(dir + "/" + ManifestFile + TempFileSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestManifestCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/"+ManifestFile, []byte("{not json"), 0644))
	_, err := LoadManifest(dir)
	assert.True(t, IsCorruption(err))

	bad := &Manifest{NextID: 2, Tables: []ManifestTable{{ID: 5}}}
	require.NoError(t, bad.Save(dir))
	_, err = LoadManifest(dir)
	assert.True(t, IsCorruption(err), "table id beyond next_id")
}
