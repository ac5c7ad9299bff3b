package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertti/methpacker/internal/format"
	"github.com/vertti/methpacker/internal/record"
)

func rec(i int) record.Record {
	return record.New(record.Context(i%3), record.Strand(i%2), int32(i%17), int32(20+i%5), int32(i%3), int32(i%4))
}

func sentinels(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Sentinel
	}
	return out
}

func TestWriteReadPoints(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "points.mrs")
	w, err := Create(path, &Options{ChunkRows: 8})
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", 20))
	require.NoError(t, w.CreateDataset("Chr2", 20))

	r1 := record.New(record.CHH, record.Plus, 10, 20, 1, 1)
	r2 := record.New(record.CHH, record.Plus, 12, 20, 1, 1)
	require.NoError(t, w.WritePoints("Chr1", []int{9, 10}, []record.Record{r1, r2}))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck // test cleanup

	assert.Equal(t, []string{"Chr1", "Chr2"}, r.Datasets())
	n, ok := r.Length("Chr1")
	require.True(t, ok)
	assert.Equal(t, 20, n)

	got, err := r.ReadRange("Chr1", 9, 11)
	require.NoError(t, err)
	assert.Equal(t, []record.Record{{2, 0, 10, 20, 1, 1}, {2, 0, 12, 20, 1, 1}}, got)

	got, err = r.ReadRange("Chr1", 0, 9)
	require.NoError(t, err)
	assert.Equal(t, sentinels(9), got)

	got, err = r.ReadRange("Chr2", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, sentinels(20), got)

	got, err = r.ReadRange("Chr2", 5, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteRangeAcrossChunks(t *testing.T) {
	t.Parallel()

	for _, codec := range []format.Codec{format.CodecNone, format.CodecZstd, format.CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "range.mrs")
			w, err := Create(path, &Options{Codec: codec, ChunkRows: 16})
			require.NoError(t, err)
			require.NoError(t, w.CreateDataset("ChrA", 100))

			want := sentinels(100)
			vals := make([]int32, 0, 70*record.Width)
			for i := 5; i < 75; i++ {
				want[i] = rec(i)
				vals = append(vals, want[i][:]...)
			}
			require.NoError(t, w.WriteRange("ChrA", 5, vals))
			require.NoError(t, w.Close())

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close() //nolint:errcheck // test cleanup
			assert.Equal(t, codec, r.Codec())
			assert.Equal(t, 16, r.ChunkRows())

			got, err := r.ReadRange("ChrA", 0, 100)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			got, err = r.ReadRange("ChrA", 14, 18)
			require.NoError(t, err)
			assert.Equal(t, want[14:18], got)
		})
	}
}

func TestSpillAndReload(t *testing.T) {
	t.Parallel()

	// A one-chunk cache forces every chunk switch through the staging file.
	path := filepath.Join(t.TempDir(), "spill.mrs")
	w, err := Create(path, &Options{ChunkRows: 4, CacheChunks: 1})
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", 40))

	want := sentinels(40)
	for _, i := range []int{0, 9, 1, 30, 2, 10, 39} {
		want[i] = rec(i)
		require.NoError(t, w.WritePoints("Chr1", []int{i}, []record.Record{rec(i)}))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck // test cleanup

	got, err := r.ReadRange("Chr1", 0, 40)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestByteIdenticalAcrossWritePatterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	const length = 50
	data := make(map[int]record.Record)
	for _, i := range []int{3, 4, 5, 20, 21, 49} {
		data[i] = rec(i)
	}

	// Scattered writes through a tiny cache.
	scattered := filepath.Join(dir, "scattered.mrs")
	w, err := Create(scattered, &Options{ChunkRows: 8, CacheChunks: 1})
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr2", 10))
	require.NoError(t, w.CreateDataset("Chr1", length))
	for _, i := range []int{49, 3, 20, 4, 21, 5} {
		require.NoError(t, w.WritePoints("Chr1", []int{i}, []record.Record{data[i]}))
	}
	require.NoError(t, w.Close())

	// One bulk write of the whole dataset, sentinel chunks included.
	bulk := filepath.Join(dir, "bulk.mrs")
	w, err = Create(bulk, &Options{ChunkRows: 8})
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", length))
	require.NoError(t, w.CreateDataset("Chr2", 10))
	vals := make([]int32, length*record.Width)
	record.Fill(vals)
	for i, r := range data {
		copy(vals[i*record.Width:], r[:])
	}
	require.NoError(t, w.WriteRange("Chr1", 0, vals))
	require.NoError(t, w.Close())

	a, err := os.ReadFile(scattered)
	require.NoError(t, err)
	b, err := os.ReadFile(bulk)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStagingRemoved(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "x.mrs"), nil)
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", 3))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.mrs", entries[0].Name())

	assert.ErrorIs(t, w.Close(), ErrClosed)
	assert.ErrorIs(t, w.CreateDataset("Chr2", 1), ErrClosed)
}

func TestDiscard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "x.mrs"), nil)
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", 3))
	w.Discard()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteErrors(t *testing.T) {
	t.Parallel()

	w, err := Create(filepath.Join(t.TempDir(), "x.mrs"), &Options{ChunkRows: 4})
	require.NoError(t, err)
	defer w.Discard()

	require.NoError(t, w.CreateDataset("Chr1", 10))
	require.Error(t, w.CreateDataset("Chr1", 10))

	rows, cols, err := w.Shape("Chr1")
	require.NoError(t, err)
	assert.Equal(t, 10, rows)
	assert.Equal(t, record.Width, cols)

	_, _, err = w.Shape("Chr9")
	require.ErrorIs(t, err, ErrNoDataset)

	require.ErrorIs(t, w.WriteRange("Chr1", 0, make([]int32, 5)), ErrShapeMismatch)
	require.ErrorIs(t, w.WriteRange("Chr1", 8, make([]int32, 3*record.Width)), ErrShapeMismatch)
	require.ErrorIs(t, w.WriteRange("Chr9", 0, nil), ErrNoDataset)
	require.ErrorIs(t, w.WritePoints("Chr1", []int{10}, []record.Record{rec(1)}), ErrShapeMismatch)
	require.ErrorIs(t, w.WritePoints("Chr1", []int{1, 2}, []record.Record{rec(1)}), ErrShapeMismatch)
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.mrs")
	w, err := Create(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", 10))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)

	_, err = r.ReadRange("Chr9", 0, 1)
	require.ErrorIs(t, err, ErrNoDataset)
	_, err = r.ReadRange("Chr1", 0, 11)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = r.ReadRange("Chr1", 5, 4)
	require.ErrorIs(t, err, ErrShapeMismatch)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.ReadRange("Chr1", 0, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpenCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.mrs")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a store file at all"), 0o600))
	_, err := Open(path)
	require.ErrorIs(t, err, format.ErrCorrupt)

	good := filepath.Join(dir, "good.mrs")
	w, err := Create(good, nil)
	require.NoError(t, err)
	require.NoError(t, w.CreateDataset("Chr1", 10))
	require.NoError(t, w.Close())
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	truncated := filepath.Join(dir, "truncated.mrs")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-1], 0o600))
	_, err = Open(truncated)
	require.ErrorIs(t, err, format.ErrCorrupt)
}

func TestChunkCodecRoundTrip(t *testing.T) {
	t.Parallel()

	vals := make([]int32, 37*record.Width)
	for i := range vals {
		vals[i] = int32(i%11) - 1
	}

	for _, c := range []format.Codec{format.CodecNone, format.CodecZstd, format.CodecLZ4} {
		cc, err := newChunkCodec(c)
		require.NoError(t, err)

		blob, err := cc.encode(vals, nil)
		require.NoError(t, err)

		got := make([]int32, len(vals))
		require.NoError(t, cc.decode(blob, got), c.String())
		assert.Equal(t, vals, got, c.String())
		cc.close()
	}
}

func TestChunkCacheEviction(t *testing.T) {
	t.Parallel()

	c := newChunkCache(2)
	a := &chunk{key: chunkKey{"a", 0}}
	b := &chunk{key: chunkKey{"b", 0}}
	d := &chunk{key: chunkKey{"d", 0}}

	assert.Nil(t, c.add(a))
	assert.Nil(t, c.add(b))
	_, ok := c.get(a.key) // a becomes most recent
	require.True(t, ok)
	assert.Same(t, b, c.add(d))
	assert.Equal(t, 2, c.len())

	c.remove(a.key)
	_, ok = c.get(a.key)
	assert.False(t, ok)
	assert.Len(t, c.drain(), 1)
	assert.Zero(t, c.len())
}
