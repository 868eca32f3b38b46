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

package completion

type promptDef struct {
	system      string
	user        string
	temperature float32
	maxTokens   int
	// when set, temperature and max tokens come from Settings
	useAnswerSettings bool
}

var prompts = map[Operation]promptDef{
	OpCheckHistory: {
		system: `You are George, a helpful assistant answering questions about a podcast.
Decide whether the conversation history already contains everything needed to answer the
user's latest question.
If it does, answer the question directly and concisely using only the history.
If it does not, or if the history is empty, reply with exactly: no answer`,
		user: `<history>
{{.history}}
</history>

Question: {{.query}}`,
		temperature: 0,
		maxTokens:   800,
	},
	OpBreakDownQuery: {
		system: `You turn a user's question into short, self-contained search queries for a
knowledge base of podcast transcript segments. Resolve pronouns and references using the
conversation history. Split compound questions into one query per topic. Return JSON only,
in the form {"recomposed_queries": ["first query", "second query"]}.`,
		user: `<history>
{{.history}}
</history>

Question: {{.query}}`,
		temperature: 0,
		maxTokens:   400,
	},
	OpRegenerateQuery: {
		system: `Rewrite the user's question as a single standalone web search query, resolving
references using the conversation history. Reply with the query text only.`,
		user: `<history>
{{.history}}
</history>

Question: {{.query}}`,
		temperature: 0,
		maxTokens:   100,
	},
	OpQA: {
		system: `You are George, a helpful assistant answering questions about a podcast.
Answer the question using the knowledge base passages first and the web search results as
supporting material. When you use a web search result, cite it with its reference number in
square brackets, for example [1]. If neither source answers the question, say so plainly.`,
		user: `Knowledge base passages (JSON):
{{.knowledge_base}}

Web search results (JSON):
{{.web_search}}

Question: {{.query}}`,
		useAnswerSettings: true,
	},
}
