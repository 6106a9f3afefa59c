package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aclements/go-moremath/stats"

	"github.com/chazu/sptab/code"
)

// handleStatsCommand processes the `sptab stats` subcommand.
func handleStatsCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("stats: no object files given")
	}
	var s tableStats
	for _, path := range args {
		obj, err := code.ReadObjectFile(path)
		if err != nil {
			return err
		}
		s.add(obj.Code())
	}
	s.write(os.Stdout)
	return nil
}

// tableStats collects per-function table measurements.
type tableStats struct {
	tableBytes   stats.Sample
	entries      stats.Sample
	entryBytes   stats.Sample
	overheadPct  stats.Sample
	withDeopt    int
	instructions int
}

func (s *tableStats) add(c *code.Code) {
	t := c.SafepointTable()
	s.tableBytes.Xs = append(s.tableBytes.Xs, float64(t.ByteSize()))
	s.entries.Xs = append(s.entries.Xs, float64(t.Length()))
	s.entryBytes.Xs = append(s.entryBytes.Xs, float64(t.EntrySize()+t.TaggedSlotsBytes()))
	if c.InstructionSize() > 0 {
		s.overheadPct.Xs = append(s.overheadPct.Xs, 100*float64(t.ByteSize())/float64(c.InstructionSize()))
	}
	if t.HasDeoptData() {
		s.withDeopt++
	}
	s.instructions += c.InstructionSize()
}

func (s *tableStats) write(w io.Writer) {
	fmt.Fprintf(w, "functions: %d (%d with deopt data)\n", len(s.tableBytes.Xs), s.withDeopt)
	fmt.Fprintf(w, "instructions: %d bytes\n", s.instructions)
	fmt.Fprintf(w, "tables: %.0f bytes\n", s.tableBytes.Sum())
	fmt.Fprintf(w, "table bytes:\n%s\n", summarize(&s.tableBytes))
	fmt.Fprintf(w, "entries per table:\n%s\n", summarize(&s.entries))
	fmt.Fprintf(w, "bytes per entry:\n%s\n", summarize(&s.entryBytes))
	fmt.Fprintf(w, "table size vs instructions (%%):\n%s\n", summarize(&s.overheadPct))
}

// summarize renders the deciles of a sample, one column each.
func summarize(sample *stats.Sample) string {
	const qs = 10
	if len(sample.Xs) == 0 {
		return " N=0"
	}
	sample.Sort()

	var out strings.Builder
	for i := 0; i <= qs; i++ {
		fmt.Fprintf(&out, " %7s", fmt.Sprintf("p%d", i*100/qs))
	}
	out.WriteByte('\n')
	for i := 0; i <= qs; i++ {
		fmt.Fprintf(&out, " %7.1f", sample.Quantile(float64(i)/qs))
	}
	fmt.Fprintf(&out, " N=%d mean=%.1f", len(sample.Xs), sample.Mean())
	return out.String()
}
