package summarize

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/memvault/internal/tokens"
)

// Extractive builds a summary from the highest scoring sentences of the
// input, kept in their original order, until the token cap is reached. It
// needs no network and never fails on non-empty input.
type Extractive struct {
	counter tokens.Counter
}

// NewExtractive creates an extractive summarizer. A nil counter uses the
// heuristic counter.
func NewExtractive(counter tokens.Counter) *Extractive {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	return &Extractive{counter: counter}
}

// Summarize implements Summarizer.
func (e *Extractive) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return cleanSummary(text)
	}

	scores := scoreSentences(sentences)
	order := make([]int, len(sentences))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	// The model is irrelevant to the budget here; the compressor re-checks
	// the result with its own counter.
	const model = ""
	var chosen []int
	used := 0
	for _, idx := range order {
		cost := e.counter.Count(model, sentences[idx]) + 1
		if used+cost > maxTokens {
			continue
		}
		chosen = append(chosen, idx)
		used += cost
	}
	if len(chosen) == 0 {
		return cleanSummary(tokens.Truncate(e.counter, model, sentences[order[0]], maxTokens))
	}

	sort.Ints(chosen)
	parts := make([]string, len(chosen))
	for i, idx := range chosen {
		parts[i] = sentences[idx]
	}
	return cleanSummary(strings.Join(parts, " "))
}

// splitSentences splits on terminal punctuation and newlines. Fragments of
// ten bytes or fewer are merged into the next sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func(force bool) {
		s := strings.TrimSpace(current.String())
		if s == "" || (!force && len(s) <= 10) {
			return
		}
		sentences = append(sentences, s)
		current.Reset()
	}

	for _, r := range text {
		if r == '\n' {
			current.WriteRune(' ')
			flush(false)
			continue
		}
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush(false)
		}
	}
	flush(true)
	return sentences
}

// scoreSentences weights position, length (peaking at 20 words) and the
// inverse frequency of the words a sentence contains.
func scoreSentences(sentences []string) []float64 {
	freq := wordFrequency(sentences)
	scores := make([]float64, len(sentences))

	for i, sentence := range sentences {
		score := 0.3 / (float64(i) + 1.0)

		words := strings.Fields(sentence)
		lengthScore := math.Min(float64(len(words))/20.0, 1.0)
		if len(words) > 20 {
			lengthScore = math.Max(1.0-(float64(len(words))-20.0)/50.0, 0.1)
		}
		score += lengthScore * 0.4

		rarity := 0.0
		for _, w := range words {
			if n := freq[normalizeWord(w)]; n > 1 {
				rarity += 1.0 / float64(n)
			}
		}
		if len(words) > 0 {
			rarity /= float64(len(words))
		}
		score += rarity * 0.3

		scores[i] = score
	}
	return scores
}

func wordFrequency(sentences []string) map[string]int {
	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, w := range strings.Fields(sentence) {
			if w = normalizeWord(w); len(w) > 2 {
				freq[w]++
			}
		}
	}
	return freq
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}))
}
