package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encMu     sync.Mutex
	encByName = map[string]*tiktoken.Tiktoken{}
	// set once the encoding data could not be loaded, so later calls skip
	// straight to the heuristic
	encBroken bool
)

// CountTokens counts text with the model's tiktoken encoding, falling back
// to cl100k_base and then to one token per four runes.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return HeuristicTokens(model, text)
}

// HeuristicTokens estimates one token per four runes, rounding up.
func HeuristicTokens(_ string, text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()
	if encBroken {
		return nil
	}
	if enc, ok := encByName[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encBroken = true
			return nil
		}
	}
	encByName[model] = enc
	return enc
}
