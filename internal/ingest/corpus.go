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

package ingest

import (
	"fmt"
	"os"
	"strings"

	"github.com/your-org/george-qa/internal/knowledge"
	"github.com/your-org/george-qa/internal/qaerr"
	"gopkg.in/yaml.v3"
)

// Segment is one timestamped passage of a transcript
type Segment struct {
	Timestamp string `yaml:"time_stamp" json:"time_stamp"`
	Content   string `yaml:"content" json:"content"`
}

// Document is one transcript. Older corpus files list segments under "transcripts".
type Document struct {
	Title       string    `yaml:"title" json:"title"`
	Segments    []Segment `yaml:"segments" json:"segments"`
	Transcripts []Segment `yaml:"transcripts,omitempty" json:"transcripts,omitempty"`
}

// Corpus is the set of documents to ingest
type Corpus struct {
	Documents []Document `yaml:"documents" json:"documents"`
}

// LoadCorpus reads a YAML or JSON corpus file
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus file %s: %w", path, err)
	}
	corpus, err := ParseCorpus(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse corpus file %s: %w", path, err)
	}
	return corpus, nil
}

// ParseCorpus decodes a corpus. The body is either {"documents": [...]} or a bare list of
// documents; JSON is accepted as YAML.
func ParseCorpus(data []byte) (*Corpus, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}

	corpus := &Corpus{}
	if len(node.Content) == 0 {
		return corpus, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&corpus.Documents); err != nil {
			return nil, err
		}
	} else if err := node.Decode(corpus); err != nil {
		return nil, err
	}

	for i := range corpus.Documents {
		doc := &corpus.Documents[i]
		if len(doc.Segments) == 0 && len(doc.Transcripts) > 0 {
			doc.Segments = doc.Transcripts
		}
		doc.Transcripts = nil
	}
	return corpus, nil
}

// Validate rejects documents that cannot be written
func (c *Corpus) Validate() error {
	for i, doc := range c.Documents {
		if strings.TrimSpace(doc.Title) == "" {
			return &qaerr.InvalidInputError{Field: fmt.Sprintf("documents[%d].title", i), Reason: "must not be empty"}
		}
		for j, seg := range doc.Segments {
			if strings.TrimSpace(seg.Content) == "" {
				return &qaerr.InvalidInputError{
					Field:  fmt.Sprintf("documents[%d].segments[%d].content", i, j),
					Reason: "must not be empty",
				}
			}
		}
	}
	return nil
}

// SegmentCount returns the number of segments across all documents
func (c *Corpus) SegmentCount() int {
	n := 0
	for _, doc := range c.Documents {
		n += len(doc.Segments)
	}
	return n
}

// Records expands the corpus into knowledge base records with ids "{title}-{i}", i 1-based
// within each document.
func (c *Corpus) Records() []knowledge.Record {
	records := make([]knowledge.Record, 0, c.SegmentCount())
	for _, doc := range c.Documents {
		for i, seg := range doc.Segments {
			records = append(records, knowledge.Record{
				ID:        SegmentID(doc.Title, i+1),
				Title:     doc.Title,
				Content:   seg.Content,
				Timestamp: seg.Timestamp,
			})
		}
	}
	return records
}

// SegmentID builds the record id of the index-th segment (1-based) of title
func SegmentID(title string, index int) string {
	return fmt.Sprintf("%s-%d", title, index)
}
