package main

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/vertti/methpacker/internal/parser"
	"github.com/vertti/methpacker/internal/reference"
)

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := synthConfig{chroms: 3, length: 500, density: 0.7, seed: 7}

	cfg.prefix = filepath.Join(dir, "a")
	if err := generate(cfg); err != nil {
		t.Fatalf("generate: %v", err)
	}
	cfg.prefix = filepath.Join(dir, "b")
	if err := generate(cfg); err != nil {
		t.Fatalf("generate: %v", err)
	}

	for _, ext := range []string{".fa", ".fa.fai", ".methratio"} {
		a, err := os.ReadFile(filepath.Join(dir, "a"+ext))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		b, err := os.ReadFile(filepath.Join(dir, "b"+ext))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("%s differs between runs with the same seed", ext)
		}
	}
}

func TestGeneratedDataParses(t *testing.T) {
	t.Parallel()

	prefix := filepath.Join(t.TempDir(), "synth")
	if err := generate(synthConfig{prefix: prefix, chroms: 4, length: 300, density: 1, seed: 1}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	cat, err := reference.Load(prefix+".fa", nil)
	if err != nil {
		t.Fatalf("load reference: %v", err)
	}
	if got := len(cat.Sorted()); got != 4 {
		t.Fatalf("got %d chromosomes, want 4", got)
	}

	f, err := os.Open(prefix + ".methratio")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close() //nolint:errcheck // test cleanup

	p := parser.New(f)
	seen := map[string]bool{}
	last := ""
	lines := 0
	for {
		ln, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		n, ok := cat.Len(ln.Chrom)
		if !ok || ln.Pos >= n {
			t.Fatalf("line %d out of reference: %s:%d", ln.Index, ln.Chrom, ln.Pos+1)
		}
		if ln.Chrom != last {
			if seen[ln.Chrom] {
				t.Fatalf("chromosome %s is not contiguous", ln.Chrom)
			}
			seen[ln.Chrom] = true
			last = ln.Chrom
		}
		lines++
	}
	if lines == 0 {
		t.Fatal("no records generated")
	}
}

func TestContext(t *testing.T) {
	t.Parallel()

	seq := []byte("ACGTCAGCTTC")
	tests := []struct {
		pos     int
		reverse bool
		want    string
	}{
		{1, false, "CG"},   // C followed by G
		{4, false, "CHG"},  // C A G
		{7, false, "CHH"},  // C T T
		{10, false, "CHH"}, // end of sequence
		{2, true, "CG"},    // G preceded by C
		{6, true, "CHG"},   // G, A->T, C->G on the reverse strand
	}
	for _, tt := range tests {
		if got := cytosineContext(seq, tt.pos, tt.reverse); got != tt.want {
			t.Fatalf("cytosineContext(%d, %v) = %s, want %s", tt.pos, tt.reverse, got, tt.want)
		}
	}
}

func TestRandomGenomeLengths(t *testing.T) {
	t.Parallel()

	//nolint:gosec // deterministic test RNG
	rng := rand.New(rand.NewPCG(3, 3))
	for _, c := range randomGenome(rng, 20, 101) {
		if len(c.seq) < 50 || len(c.seq) > 101 {
			t.Fatalf("%s has length %d", c.name, len(c.seq))
		}
	}
}
