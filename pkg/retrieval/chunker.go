// Package retrieval maintains the digest-keyed chunk+embedding indices for
// the memory and knowledge domains and answers hybrid-scored queries.
package retrieval

// Chunk splits text into overlapping windows. Step is size-overlap, floored
// at 1 so a pathological overlap still terminates.
func Chunk(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size < 1 {
		size = 1
	}
	step := size - overlap
	if step < 1 {
		step = 1
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
