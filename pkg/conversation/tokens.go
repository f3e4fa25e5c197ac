package conversation

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// CodecFor returns the tokenizer codec for a model name, falling back to
// the encoding family the name suggests when the tokenizer does not know
// the model itself.
func CodecFor(model string) (tokenizer.Codec, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err == nil {
		return codec, nil
	}
	return tokenizer.Get(tokenizer.Encoding(defaultEncoding(model)))
}

func defaultEncoding(model string) string {
	if strings.HasPrefix(model, "text-davinci-002") || strings.HasPrefix(model, "text-davinci-003") {
		return "p50k_base"
	}
	return "cl100k_base"
}

// CountTokens counts the tokens of a single piece of text for a model.
func CountTokens(text string, model string) (int, error) {
	codec, err := CodecFor(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimateTokens counts the tokens a flat transcript would occupy for a
// model. The count covers entry content and tool call arguments but not
// the per-message framing overhead backends add, so it is an estimate of
// context usage rather than an exact size.
func EstimateTokens(entries []HistoryEntry, model string) (int, error) {
	codec, err := CodecFor(model)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, entry := range entries {
		if entry.Content != "" {
			ids, _, err := codec.Encode(entry.Content)
			if err != nil {
				return 0, err
			}
			total += len(ids)
		}
		for _, tc := range entry.ToolCalls {
			ids, _, err := codec.Encode(tc.Name + string(tc.Arguments))
			if err != nil {
				return 0, err
			}
			total += len(ids)
		}
	}
	return total, nil
}
