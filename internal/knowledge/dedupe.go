// Copyright 2024 The George QA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

type dedupeKey struct {
	title     string
	timestamp string
}

// Dedupe drops repeated passages keyed by (title, timestamp), keeping the first
// occurrence and the input order. Nil entries are skipped. Two passages with the same
// title and timestamp but different content count as duplicates.
func Dedupe(records []*Record) []Record {
	seen := make(map[dedupeKey]struct{}, len(records))
	unique := make([]Record, 0, len(records))

	for _, rec := range records {
		if rec == nil {
			continue
		}
		key := dedupeKey{title: rec.Title, timestamp: rec.Timestamp}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, *rec)
	}

	return unique
}
