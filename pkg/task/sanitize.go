package task

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Mask replaces secret values in sanitized text.
const Mask = "**************"

// minSecretLength skips values too short to mask without mangling ordinary text.
const minSecretLength = 4

// Sanitizer scrubs registered secret values out of strings and errors.
type Sanitizer struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
}

// NewSanitizer returns an empty sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{secrets: make(map[string]struct{})}
}

// Register adds secret values to scrub.
func (s *Sanitizer) Register(values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < minSecretLength {
			continue
		}
		s.secrets[v] = struct{}{}
		// Multi-line secrets (keys) also leak line by line.
		for _, line := range strings.Split(v, "\n") {
			if line = strings.TrimSpace(line); len(line) >= 16 {
				s.secrets[line] = struct{}{}
			}
		}
	}
}

// Sanitize replaces every registered secret in text with Mask.
func (s *Sanitizer) Sanitize(text string) string {
	if s == nil {
		return text
	}
	s.mu.RLock()
	values := make([]string, 0, len(s.secrets))
	for v := range s.secrets {
		values = append(values, v)
	}
	s.mu.RUnlock()

	// Longest first so a secret containing another is masked whole.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		text = strings.ReplaceAll(text, v, Mask)
	}
	return text
}

// SanitizeError returns err with secrets scrubbed. A *Error keeps its kind
// and fields; its cause is flattened to a sanitized message.
func (s *Sanitizer) SanitizeError(err error) error {
	if err == nil || s == nil {
		return err
	}

	var te *Error
	if errors.As(err, &te) {
		out := *te
		out.Message = s.Sanitize(te.Message)
		out.Command = s.Sanitize(te.Command)
		out.Output = s.Sanitize(te.Output)
		if te.Err != nil {
			out.Err = errors.New(s.Sanitize(te.Err.Error()))
		}
		return &out
	}
	return errors.New(s.Sanitize(err.Error()))
}
