package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// cotTags are tried in order; the first matching pair wins.
var cotTags = []string{"think", "thinking", "reasoning", "thought", "analysis"}

var (
	cotPairPatterns    []*regexp.Regexp
	cotClosingPatterns []*regexp.Regexp
)

func init() {
	for _, tag := range cotTags {
		cotPairPatterns = append(cotPairPatterns,
			regexp.MustCompile(`(?is)^\s*<`+tag+`>(.*?)</`+tag+`>(.*)$`))
		cotClosingPatterns = append(cotClosingPatterns,
			regexp.MustCompile(`(?is)^(.*?)</`+tag+`>(.*)$`))
	}
}

// ParseChainOfThought splits a local model's response into its reasoning
// block and the remaining content. Tags are matched case-insensitively; a
// response with only a closing tag treats everything before it as
// reasoning. Responses without markers return empty reasoning.
func ParseChainOfThought(response string) (reasoning, content string) {
	for _, re := range cotPairPatterns {
		if m := re.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
	}

	for _, re := range cotClosingPatterns {
		if m := re.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
	}

	return "", strings.TrimSpace(response)
}

// ParseStopSequences parses a comma-separated stop sequence list. Blank
// items are dropped; a blank input yields nil.
func ParseStopSequences(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var sequences []string

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			sequences = append(sequences, part)
		}
	}

	if len(sequences) == 0 {
		return nil
	}

	return sequences
}

// tokensPerSecond guards against zero-duration division.
func tokensPerSecond(completionTokens int, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}

	return float64(completionTokens) / seconds
}

// backendName builds the stable provider/model identity string.
func backendName(provider, model string) string {
	return fmt.Sprintf("%s/%s", provider, model)
}
