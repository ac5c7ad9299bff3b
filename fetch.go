package methpacker

import (
	"context"
)

// Query bounds a fetch. Coordinates are 1-based and inclusive; zero means
// unset. MinCoverage and MaxCoverage are accepted but not applied.
type Query struct {
	Start       int
	End         int
	MinCoverage int
	MaxCoverage int
}

// Fetch returns one record per position of chrom in [q.Start, q.End], with
// Sentinel for positions never observed. An unknown chromosome or an end
// before the start yields an empty result and a logged warning.
func (db *DB) Fetch(chrom string, q Query) ([]Record, error) {
	start, end, ok := db.bounds(chrom, q)
	if !ok {
		return []Record{}, nil
	}
	recs, err := db.r.ReadRange(chrom, start, end)
	db.log.LogFetch(context.Background(), chrom, start+1, end, len(recs), err)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// FetchSymbolic is Fetch with context and strand decoded to their symbols.
func (db *DB) FetchSymbolic(chrom string, q Query) ([]Symbolic, error) {
	recs, err := db.Fetch(chrom, q)
	if err != nil {
		return nil, err
	}
	out := make([]Symbolic, len(recs))
	for i, r := range recs {
		out[i] = r.Symbolic()
	}
	return out, nil
}

// Ratios returns the methylation ratio c/ct per position, or -1 where there
// is no coverage.
func (db *DB) Ratios(chrom string, q Query) ([]float64, error) {
	recs, err := db.Fetch(chrom, q)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(recs))
	for i, r := range recs {
		out[i] = r.Ratio()
	}
	return out, nil
}

// bounds resolves q to the 0-based half-open row range of chrom.
func (db *DB) bounds(chrom string, q Query) (start, end int, ok bool) {
	length, known := db.r.Length(chrom)
	if !known {
		db.log.Warn("unknown chromosome", "chrom", chrom)
		return 0, 0, false
	}
	if q.Start != 0 && q.End != 0 && q.End < q.Start {
		db.log.Warn("end before start", "chrom", chrom, "start", q.Start, "end", q.End)
		return 0, 0, false
	}

	start = max(q.Start, 1) - 1
	end = length
	if q.End != 0 {
		end = min(q.End, length)
	}
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}
