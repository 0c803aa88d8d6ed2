package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/biolens/analysis-engine/pkg/schema"
)

const kmerSize = 4

// Reference is one known sequence signature in the local match database.
type Reference struct {
	Label    string
	Sequence string
}

// DatabaseMatch classifies an item by k-mer similarity against an in-memory
// reference set. It is the cheap first stage of the waterfall: no network,
// deterministic, confidence equals the best Jaccard similarity found.
type DatabaseMatch struct {
	refs []refEntry
}

type refEntry struct {
	label string
	kmers map[string]struct{}
}

func NewDatabaseMatch(refs []Reference) *DatabaseMatch {
	entries := make([]refEntry, 0, len(refs))
	for _, r := range refs {
		entries = append(entries, refEntry{
			label: r.Label,
			kmers: kmerSet(r.Sequence),
		})
	}
	return &DatabaseMatch{refs: entries}
}

func (d *DatabaseMatch) Name() string { return "database-match" }

func (d *DatabaseMatch) Attempt(_ context.Context, item schema.Item) Attempt {
	if len(d.refs) == 0 {
		return Attempt{Err: errors.New("reference database is empty")}
	}
	query := kmerSet(item.Sequence)
	if len(query) == 0 {
		return Attempt{Err: fmt.Errorf("sequence too short for %d-mer matching", kmerSize)}
	}

	best := Attempt{Confidence: -1}
	for _, ref := range d.refs {
		sim := jaccard(query, ref.kmers)
		if sim > best.Confidence {
			best = Attempt{
				Label:      ref.label,
				Confidence: sim,
				Details:    map[string]string{"method": "kmer-jaccard"},
			}
		}
	}
	return best
}

func kmerSet(seq string) map[string]struct{} {
	seq = strings.ToUpper(strings.TrimSpace(seq))
	set := make(map[string]struct{})
	for i := 0; i+kmerSize <= len(seq); i++ {
		set[seq[i:i+kmerSize]] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
