package models

import (
	"sort"
)

// KeywordTable is the per-dataset inverted index from keyword to segment ids.
type KeywordTable struct {
	ID           string              `json:"id"`
	DatasetID    string              `json:"dataset_id"`
	KeywordTable map[string][]string `json:"keyword_table"`
}

// KeywordSet is the mutable in-memory view of a keyword table.
type KeywordSet map[string]map[string]struct{}

// Set converts the persisted form into a mutable set view.
func (t *KeywordTable) Set() KeywordSet {
	set := make(KeywordSet, len(t.KeywordTable))
	for keyword, ids := range t.KeywordTable {
		members := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			members[id] = struct{}{}
		}
		set[keyword] = members
	}
	return set
}

// Add maps every keyword to segmentID.
func (s KeywordSet) Add(segmentID string, keywords []string) {
	for _, keyword := range keywords {
		members, ok := s[keyword]
		if !ok {
			members = make(map[string]struct{})
			s[keyword] = members
		}
		members[segmentID] = struct{}{}
	}
}

// Remove drops the given segment ids from every keyword and deletes
// keywords whose set becomes empty.
func (s KeywordSet) Remove(segmentIDs []string) {
	if len(segmentIDs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(segmentIDs))
	for _, id := range segmentIDs {
		drop[id] = struct{}{}
	}
	for keyword, members := range s {
		for id := range drop {
			delete(members, id)
		}
		if len(members) == 0 {
			delete(s, keyword)
		}
	}
}

// Table converts the set view back to the persisted form with sorted ids.
func (s KeywordSet) Table() map[string][]string {
	table := make(map[string][]string, len(s))
	for keyword, members := range s {
		if len(members) == 0 {
			continue
		}
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		table[keyword] = ids
	}
	return table
}
