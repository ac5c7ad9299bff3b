package reference

import (
	"errors"
	"fmt"
	"io"

	"github.com/shenwei356/bio/seqio/fai"
	"github.com/shenwei356/bio/seqio/fastx"
)

// ErrDuplicateSequence is returned when a sequence name occurs twice.
var ErrDuplicateSequence = errors.New("duplicate sequence name")

// ScanFASTA reads every record of the FASTA at path (plain or compressed)
// and returns sequence lengths keyed by ID, the first word of the header.
func ScanFASTA(path string) (map[string]int, error) {
	reader, err := fastx.NewReader(nil, path, fastx.DefaultIDRegexp)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer reader.Close()

	lengths := make(map[string]int)
	for i := 1; ; i++ {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading sequence %d of %s: %w", i, path, err)
		}
		id := string(record.ID)
		if _, ok := lengths[id]; ok {
			return nil, fmt.Errorf("%w: %s (sequence %d of %s)", ErrDuplicateSequence, id, i, path)
		}
		lengths[id] = len(record.Seq.Seq)
	}
	return lengths, nil
}

// WriteIndex creates the samtools-compatible index fastaPath+".fai".
func WriteIndex(fastaPath string) error {
	if _, err := fai.Create(fastaPath, fastaPath+".fai"); err != nil {
		return fmt.Errorf("indexing %s: %w", fastaPath, err)
	}
	return nil
}
