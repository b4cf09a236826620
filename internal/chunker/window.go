package chunker

import "strings"

// Window is the sentence-packing unit that becomes a chunk. Token
// positions are cumulative over the input text.
type Window struct {
	Index         int
	Text          string
	TokenCount    int
	TokenStart    int
	TokenEnd      int
	StartSentence int
	EndSentence   int
}

type sentence struct {
	text   string
	tokens []string
	start  int // cumulative token index of the first token
}

// SplitIntoWindows packs sentences greedily into windows of at most
// maxTokens tokens. A lone sentence longer than maxTokens is truncated to
// maxTokens and its remainder carried back into the queue, so no tokens
// are lost. Windows shorter than minTokens merge into their predecessor
// when one exists. Consecutive windows overlap by overlapSentences
// sentences. The state machine is deterministic: identical input and
// parameters yield identical windows.
func SplitIntoWindows(text string, tok Tokenizer, maxTokens, minTokens, overlapSentences int) []Window {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	text = Canonicalize(text)
	if text == "" {
		return []Window{{}}
	}
	spans := SentenceSpans(text)
	if len(spans) == 0 {
		tokens := tok.Encode(text)
		return []Window{{Text: text, TokenCount: len(tokens), TokenEnd: len(tokens)}}
	}

	sents := make([]sentence, 0, len(spans))
	cursor := 0
	for _, s := range spans {
		tokens := tok.Encode(s)
		sents = append(sents, sentence{text: s, tokens: tokens, start: cursor})
		cursor += len(tokens)
	}

	var windows []Window
	i := 0
	windowIndex := 0
	for i < len(sents) {
		startI := i
		tokenCount := 0
		chunkStart := sents[i].start
		chunkEnd := chunkStart
		var parts []string
		carried := false

		for i < len(sents) {
			s := sents[i]
			if tokenCount+len(s.tokens) > maxTokens {
				break
			}
			parts = append(parts, s.text)
			tokenCount += len(s.tokens)
			chunkEnd = s.start + len(s.tokens)
			i++
		}

		var chunkText string
		if len(parts) == 0 {
			// Single sentence exceeding the budget: truncate by tokens and
			// carry the remainder back into the queue.
			s := sents[i]
			truncated := s.tokens[:maxTokens]
			chunkText = tok.Decode(truncated)
			tokenCount = maxTokens
			chunkEnd = chunkStart + maxTokens
			remaining := s.tokens[maxTokens:]
			if len(remaining) > 0 {
				sents[i] = sentence{text: tok.Decode(remaining), tokens: remaining, start: chunkEnd}
				carried = true
			} else {
				i++
			}
		} else {
			chunkText = strings.TrimSpace(strings.Join(parts, " "))
		}

		w := Window{
			Index:         windowIndex,
			Text:          chunkText,
			TokenCount:    tokenCount,
			TokenStart:    chunkStart,
			TokenEnd:      chunkEnd,
			StartSentence: startI,
			EndSentence:   i,
		}
		windowIndex++

		if len(windows) > 0 && w.TokenCount < minTokens {
			prev := &windows[len(windows)-1]
			prev.Text = prev.Text + " " + w.Text
			prev.TokenCount += w.TokenCount
			prev.TokenEnd = w.TokenEnd
			prev.EndSentence = w.EndSentence
		} else {
			windows = append(windows, w)
		}

		if carried {
			// resume at the truncated sentence's remainder
			continue
		}
		if w.EndSentence >= len(sents) {
			// every sentence is packed; stepping back would re-emit the tail
			break
		}
		next := w.EndSentence - overlapSentences
		if next < startI+1 {
			next = startI + 1
		}
		i = next
	}

	// Reindex after merges so indices stay dense.
	for n := range windows {
		windows[n].Index = n
	}
	return windows
}
