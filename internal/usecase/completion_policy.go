package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/policy"
)

var (
	_ policy.CompletionPolicy = (*MarkerCompletionPolicy)(nil)
	_ policy.ResultExtractor  = (*JSONBlockExtractor)(nil)
)

// MarkerCompletionPolicy treats a reply as session-concluding when it contains the
// configured marker or matches any of the configured patterns.
type MarkerCompletionPolicy struct {
	marker   string
	patterns []*regexp.Regexp
}

func NewMarkerCompletionPolicy(marker string, patterns []string) (*MarkerCompletionPolicy, error) {
	p := &MarkerCompletionPolicy{marker: strings.TrimSpace(marker)}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("completion pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

func (p *MarkerCompletionPolicy) IsFinal(output string) bool {
	if p.marker != "" && strings.Contains(output, p.marker) {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

func (p *MarkerCompletionPolicy) Visible(output string) string {
	if p.marker == "" {
		return strings.TrimSpace(output)
	}
	return strings.TrimSpace(strings.ReplaceAll(output, p.marker, ""))
}

// JSONBlockExtractor reads the last ```json fenced block of a reply as a SessionResult.
// Without a usable block the final paragraph becomes the summary.
type JSONBlockExtractor struct{}

func NewJSONBlockExtractor() *JSONBlockExtractor { return &JSONBlockExtractor{} }

var jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)```")

func (JSONBlockExtractor) Extract(output string) (*model.SessionResult, error) {
	if blocks := jsonFence.FindAllStringSubmatch(output, -1); len(blocks) > 0 {
		var res model.SessionResult
		if err := json.Unmarshal([]byte(blocks[len(blocks)-1][1]), &res); err == nil && res.Summary != "" {
			return &res, nil
		}
		output = jsonFence.ReplaceAllString(output, "")
	}
	summary := lastParagraph(output)
	if summary == "" {
		return nil, fmt.Errorf("no result content in reply")
	}
	return &model.SessionResult{Summary: summary}, nil
}

func lastParagraph(s string) string {
	parts := strings.Split(strings.TrimSpace(s), "\n\n")
	for i := len(parts) - 1; i >= 0; i-- {
		if p := strings.TrimSpace(parts[i]); p != "" {
			return p
		}
	}
	return ""
}
