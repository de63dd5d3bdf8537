package extract

// chunkExtractionPrompt asks the LLM for events, entities, and relationships
// in a single pass over one chunk. Offsets are chunk-local; the worker
// translates them to revision-global afterwards.
const chunkExtractionPrompt = `You are a semantic memory extraction engine for workplace documents
(emails, docs, chat logs, transcripts, notes).
Given the following text, extract semantic events, entities, and explicit
relationships between entities.

An EVENT is something that happened or was stated: a decision, a commitment,
a risk raised, a question asked, a status update, a disagreement, a deadline.
The "category" is a short singular noun you choose freely (e.g. "Decision",
"Commitment", "Risk", "Question", "Deadline"). Do not force events into a
fixed list.

ENTITY TYPES (use exactly these values):
- person  : a named individual
- org     : a company, team, or institution
- project : a named project, product, or initiative
- object  : a concrete artifact (document, system, repository, device)
- place   : a physical or virtual location
- other   : anything else worth tracking

ACTOR ROLES (use exactly these values): owner, contributor, reviewer,
stakeholder, other.

Return a JSON object with exactly three keys:
  "events"        : array of {"category": string, "narrative": string,
                    "event_time": string (RFC 3339, or "" if unknown),
                    "subject": {"type": string, "ref": string},
                    "actors": [{"ref": string, "role": string}],
                    "confidence": number,
                    "evidence": [{"start_char": int, "end_char": int, "quote": string}]}
  "entities"      : array of {"surface_form": string,
                    "canonical_suggestion": string, "type": string,
                    "context_clues": {"role": string, "organization": string, "email": string},
                    "aliases_in_doc": [string],
                    "mentions": [{"start_char": int, "end_char": int, "quote": string}]}
  "relationships" : array of {"source": string, "target": string,
                    "relationship_type": string, "confidence": number,
                    "evidence_quote": string}

Rules:
- The narrative is 1-2 sentences, self-contained, readable without the text.
- Every event needs at least one evidence span; quotes must be verbatim
  substrings of the text and offsets must point at them.
- Confidence is a float between 0.0 and 1.0.
- Actor and subject refs use the entity's surface form as written.
- Relationship source and target must be surface forms from "entities".
- Only include what is clearly supported by the text.
- If a key has no items, return an empty array for it.
- Do NOT include any text outside the JSON object.

EXAMPLE:

Input: "Priya Sharma (priya@acme.com) confirmed that Atlas will ship on
March 3rd. Marcus raised a concern about the load tests."
Output:
{"events": [{"category": "Commitment", "narrative": "Priya Sharma confirmed that the Atlas project will ship on March 3rd.", "event_time": "", "subject": {"type": "project", "ref": "Atlas"}, "actors": [{"ref": "Priya Sharma", "role": "owner"}], "confidence": 0.95, "evidence": [{"start_char": 0, "end_char": 78, "quote": "Priya Sharma (priya@acme.com) confirmed that Atlas will ship on\nMarch 3rd."}]}, {"category": "Risk", "narrative": "Marcus raised a concern about the load tests for Atlas.", "event_time": "", "subject": {"type": "project", "ref": "Atlas"}, "actors": [{"ref": "Marcus", "role": "contributor"}], "confidence": 0.85, "evidence": [{"start_char": 79, "end_char": 127, "quote": "Marcus raised a concern about the load tests."}]}], "entities": [{"surface_form": "Priya Sharma", "canonical_suggestion": "Priya Sharma", "type": "person", "context_clues": {"role": "", "organization": "Acme", "email": "priya@acme.com"}, "aliases_in_doc": ["Priya"], "mentions": [{"start_char": 0, "end_char": 12, "quote": "Priya Sharma"}]}, {"surface_form": "Atlas", "canonical_suggestion": "Atlas", "type": "project", "context_clues": {"role": "", "organization": "", "email": ""}, "aliases_in_doc": [], "mentions": [{"start_char": 45, "end_char": 50, "quote": "Atlas"}]}, {"surface_form": "Marcus", "canonical_suggestion": "Marcus", "type": "person", "context_clues": {"role": "", "organization": "", "email": ""}, "aliases_in_doc": [], "mentions": [{"start_char": 79, "end_char": 85, "quote": "Marcus"}]}], "relationships": [{"source": "Priya Sharma", "target": "Atlas", "relationship_type": "works_on", "confidence": 0.9, "evidence_quote": "Priya Sharma (priya@acme.com) confirmed that Atlas will ship"}]}

TEXT:
%s`

// eventCanonicalizationPrompt deduplicates events gathered from multiple
// chunks of one document. Evidence spans are already revision-global and
// must be preserved verbatim.
const eventCanonicalizationPrompt = `You are a semantic memory deduplication engine.
The following JSON array contains events extracted independently from
overlapping chunks of one document. Some events describe the same underlying
fact and must be merged.

Return a JSON object with exactly one key:
  "events" : the canonical array, same element shape as the input.

Rules:
- Merge events that describe the same fact; keep the clearest narrative and
  the highest confidence among the merged group.
- When merging, keep the UNION of all evidence spans from the merged events.
  Copy evidence objects verbatim; never alter start_char, end_char, or quote.
- Keep the union of actors, deduplicated by ref.
- Do not invent events, actors, or evidence that are not in the input.
- Events that are not duplicates pass through unchanged.
- Do NOT include any text outside the JSON object.

EVENTS:
%s`
