package methpacker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "chr\tpos\tstrand\tcontext\tratio\teff_CT_count\tC_count\tCT_count\trev_G_count\trev_GA_count\tCI_lower\tCI_upper\n"

func line(chrom string, pos int, strand, ctx string, c, ct, g, ga int) string {
	return fmt.Sprintf("%s\t%d\t%s\t%s\t0.500\t%d.00\t%d\t%d\t%d\t%d\t0.100\t0.900\n", chrom, pos, strand, ctx, ct, c, ct, g, ga)
}

// writeReference writes a FASTA with chromosomes of the given lengths and
// lets Load index it.
func writeReference(t *testing.T, dir string, chroms map[string]int) string {
	t.Helper()
	var b strings.Builder
	for _, name := range []string{"Chr1", "Chr2", "Chr3"} {
		n, ok := chroms[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, ">%s\n%s\n", name, strings.Repeat("C", n))
	}
	path := filepath.Join(dir, "ref.fa")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

var scenarioInput = header +
	line("Chr1", 10, "+", "CHH", 10, 20, 1, 1) +
	line("Chr1", 11, "+", "CHH", 12, 20, 1, 1)

func openScenario(t *testing.T, workers int) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), Options{
		InputPath:     writeInput(t, dir, "in.methratio", scenarioInput),
		ReferencePath: writeReference(t, dir, map[string]int{"Chr1": 20, "Chr2": 20}),
		Workers:       workers,
		Logger:        NoopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sentinels(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Sentinel
	}
	return out
}

func TestScenario(t *testing.T) {
	t.Parallel()

	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()
			db := openScenario(t, workers)

			got, err := db.Fetch("Chr1", Query{Start: 10, End: 10})
			require.NoError(t, err)
			assert.Equal(t, []Record{{2, 0, 10, 20, 1, 1}}, got)

			got, err = db.Fetch("Chr1", Query{Start: 10, End: 11})
			require.NoError(t, err)
			assert.Equal(t, []Record{{2, 0, 10, 20, 1, 1}, {2, 0, 12, 20, 1, 1}}, got)

			got, err = db.Fetch("Chr1", Query{Start: 1, End: 9})
			require.NoError(t, err)
			assert.Equal(t, sentinels(9), got)

			got, err = db.Fetch("Chr2", Query{Start: 1, End: 5})
			require.NoError(t, err)
			assert.Equal(t, sentinels(5), got)

			assert.Equal(t, []string{"Chr1", "Chr2"}, db.Chromosomes())
			n, ok := db.Length("Chr2")
			require.True(t, ok)
			assert.Equal(t, 20, n)
		})
	}
}

func TestFetchBounds(t *testing.T) {
	t.Parallel()
	db := openScenario(t, 1)

	full, err := db.Fetch("Chr1", Query{})
	require.NoError(t, err)
	require.Len(t, full, 20)

	explicit, err := db.Fetch("Chr1", Query{Start: 1, End: 20})
	require.NoError(t, err)
	assert.Equal(t, explicit, full)

	tests := []struct {
		name string
		q    Query
		want []Record
	}{
		{"start clamps to 1", Query{Start: -5, End: 3}, full[:3]},
		{"zero start", Query{End: 2}, full[:2]},
		{"end clamps to length", Query{Start: 19, End: 500}, full[18:]},
		{"open end", Query{Start: 11}, full[10:]},
		{"single position", Query{Start: 1, End: 1}, full[:1]},
		{"start beyond length", Query{Start: 25}, []Record{}},
		{"end before start", Query{Start: 10, End: 9}, []Record{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Fetch("Chr1", tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchSoftFailuresWarn(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	dir := t.TempDir()
	db, err := Open(context.Background(), Options{
		InputPath:     writeInput(t, dir, "in.methratio", scenarioInput),
		ReferencePath: writeReference(t, dir, map[string]int{"Chr1": 20, "Chr2": 20}),
		Workers:       1,
		Logger:        NewLogger(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // test cleanup

	got, err := db.Fetch("ChrX", Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Contains(t, logs.String(), "unknown chromosome")

	got, err = db.Fetch("Chr1", Query{Start: 5, End: 2})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Contains(t, logs.String(), "end before start")
}

func TestCoverageBoundsAreInert(t *testing.T) {
	t.Parallel()
	db := openScenario(t, 1)

	want, err := db.Fetch("Chr1", Query{Start: 5, End: 15})
	require.NoError(t, err)
	for _, q := range []Query{
		{Start: 5, End: 15, MinCoverage: 100},
		{Start: 5, End: 15, MaxCoverage: 1},
		{Start: 5, End: 15, MinCoverage: 30, MaxCoverage: 2},
	} {
		got, err := db.Fetch("Chr1", q)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFetchSymbolicAndRatios(t *testing.T) {
	t.Parallel()
	db := openScenario(t, 2)

	syms, err := db.FetchSymbolic("Chr1", Query{Start: 9, End: 10})
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, Symbolic{Context: "", Strand: "", C: -1, CT: -1, G: -1, GA: -1}, syms[0])
	assert.Equal(t, Symbolic{Context: "CHH", Strand: "+", C: 10, CT: 20, G: 1, GA: 1}, syms[1])

	ratios, err := db.Ratios("Chr1", Query{Start: 9, End: 11})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0.5, 0.6}, ratios)

	syms, err = db.FetchSymbolic("ChrX", Query{})
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestOpenExistingStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir, "in.methratio", scenarioInput)
	ref := writeReference(t, dir, map[string]int{"Chr1": 20, "Chr2": 20})

	db, err := Open(context.Background(), Options{
		InputPath: input, ReferencePath: ref, Codec: CodecLZ4, ChunkRows: 4, Logger: NoopLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, input+StoreExt, db.Path())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	// Store only: no input, no reference.
	db, err = Open(context.Background(), Options{StorePath: input + StoreExt, Logger: NoopLogger()})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // test cleanup
	assert.Equal(t, CodecLZ4, db.Codec())

	got, err := db.Fetch("Chr1", Query{Start: 11, End: 11})
	require.NoError(t, err)
	assert.Equal(t, []Record{{2, 0, 12, 20, 1, 1}}, got)

	// An existing store wins over a missing reference unless forced.
	db2, err := Open(context.Background(), Options{InputPath: input, ReferencePath: filepath.Join(dir, "gone.fa"), Logger: NoopLogger()})
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestForceRebuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir, "in.methratio", scenarioInput)
	ref := writeReference(t, dir, map[string]int{"Chr1": 20, "Chr2": 20})

	db, err := Open(context.Background(), Options{InputPath: input, ReferencePath: ref, Logger: NoopLogger()})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	writeInput(t, dir, "in.methratio", header+line("Chr2", 3, "-", "CG", 7, 8, 0, 1))

	db, err = Open(context.Background(), Options{InputPath: input, ReferencePath: ref, Logger: NoopLogger()})
	require.NoError(t, err)
	got, err := db.Fetch("Chr2", Query{Start: 3, End: 3})
	require.NoError(t, err)
	assert.Equal(t, []Record{Sentinel}, got, "store reused without Force")
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), Options{InputPath: input, ReferencePath: ref, Force: true, Workers: 3, Logger: NoopLogger()})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // test cleanup
	got, err = db.Fetch("Chr2", Query{Start: 3, End: 3})
	require.NoError(t, err)
	assert.Equal(t, []Record{{0, 1, 7, 8, 0, 1}}, got)
	got, err = db.Fetch("Chr1", Query{Start: 10, End: 10})
	require.NoError(t, err)
	assert.Equal(t, []Record{Sentinel}, got)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir, "in.methratio", scenarioInput)
	ref := writeReference(t, dir, map[string]int{"Chr1": 20, "Chr2": 20})
	ctx := context.Background()

	_, err := Open(ctx, Options{Logger: NoopLogger()})
	require.ErrorIs(t, err, ErrNoStore)

	_, err = Open(ctx, Options{InputPath: filepath.Join(dir, "missing"), ReferencePath: ref, Logger: NoopLogger()})
	require.ErrorIs(t, err, ErrInputNotFound)

	_, err = Open(ctx, Options{StorePath: filepath.Join(dir, "missing.mrs"), Logger: NoopLogger()})
	require.ErrorIs(t, err, ErrInputNotFound)

	_, err = Open(ctx, Options{InputPath: input, ReferencePath: filepath.Join(dir, "gone.fa"), Logger: NoopLogger()})
	require.ErrorIs(t, err, ErrReferenceNotFound)

	_, err = Open(ctx, Options{InputPath: input, Logger: NoopLogger()})
	require.ErrorIs(t, err, ErrReferenceNotFound)

	corrupt := writeInput(t, dir, "bad.mrs", "not a store")
	_, err = Open(ctx, Options{StorePath: corrupt, Logger: NoopLogger()})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestBuildFailureLeavesNoStore(t *testing.T) {
	t.Parallel()

	inputs := map[string]struct {
		content string
		want    error
	}{
		"unsorted": {header +
			line("Chr1", 1, "+", "CG", 1, 1, 0, 0) +
			line("Chr2", 1, "+", "CG", 1, 1, 0, 0) +
			line("Chr1", 2, "+", "CG", 1, 1, 0, 0), ErrUnsortedInput},
		"unknown chromosome": {header + line("Chr9", 1, "+", "CG", 1, 1, 0, 0), ErrUnknownChromosome},
		"out of range":       {header + line("Chr2", 21, "+", "CG", 1, 1, 0, 0), ErrPositionOutOfRange},
	}

	for name, tc := range inputs {
		for _, workers := range []int{1, 2} {
			t.Run(fmt.Sprintf("%s/workers=%d", name, workers), func(t *testing.T) {
				t.Parallel()
				dir := t.TempDir()
				input := writeInput(t, dir, "in.methratio", tc.content)
				_, err := Open(context.Background(), Options{
					InputPath:     input,
					ReferencePath: writeReference(t, dir, map[string]int{"Chr1": 20, "Chr2": 20}),
					Workers:       workers,
					Logger:        NoopLogger(),
				})
				require.ErrorIs(t, err, tc.want)
				_, statErr := os.Stat(input + StoreExt)
				assert.True(t, os.IsNotExist(statErr))
			})
		}
	}
}

func TestMalformedLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Open(context.Background(), Options{
		InputPath:     writeInput(t, dir, "in.methratio", header+"Chr1\t3\t*\tCG\t0\t0\t1\t1\t0\t0\n"),
		ReferencePath: writeReference(t, dir, map[string]int{"Chr1": 20}),
		Logger:        NoopLogger(),
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "strand", perr.Field)
}
