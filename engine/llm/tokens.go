package llm

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TokenCounter estimates prompt and completion sizes when a provider does
// not report usage.
type TokenCounter struct {
	encoding string
	tke      *tiktoken.Tiktoken
}

// NewTokenCounter resolves modelOrEncoding as an encoding name first, then
// as a model name, and falls back to cl100k_base.
func NewTokenCounter(modelOrEncoding string) (*TokenCounter, error) {
	if modelOrEncoding == "" {
		modelOrEncoding = defaultEncoding
	}
	if tke, err := tiktoken.GetEncoding(modelOrEncoding); err == nil {
		return &TokenCounter{encoding: modelOrEncoding, tke: tke}, nil
	}
	if tke, err := tiktoken.EncodingForModel(modelOrEncoding); err == nil {
		return &TokenCounter{encoding: modelOrEncoding, tke: tke}, nil
	}
	tke, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get default encoding '%s': %w", defaultEncoding, err)
	}
	return &TokenCounter{encoding: defaultEncoding, tke: tke}, nil
}

func (c *TokenCounter) Count(text string) int64 {
	if c == nil || c.tke == nil {
		// rough estimate of four bytes per token
		return int64((utf8.RuneCountInString(text) + 3) / 4)
	}
	return int64(len(c.tke.Encode(text, nil, nil)))
}

func (c *TokenCounter) Encoding() string {
	if c == nil {
		return ""
	}
	return c.encoding
}
