package knowledge

import "strings"

// EstimateTokens approximates the token count of text. Whitespace-delimited
// words are close enough for window sizing; exact tokenizer parity is not a
// retrieval invariant.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// ChunkText splits text into fixed-size token windows. overlap tokens of each
// window are repeated at the start of the next; overlap 0 produces disjoint
// windows. The final window may be shorter.
func ChunkText(text string, windowTokens, overlap int) []string {
	if windowTokens <= 0 {
		windowTokens = 500
	}
	if overlap < 0 || overlap >= windowTokens {
		overlap = 0
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	step := windowTokens - overlap
	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + windowTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
