package cmds

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/cricket/pkg/conversation"
)

var TokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Commands related to tokens",
}

var tokensCountCmd = &cobra.Command{
	Use:   "count [file]",
	Short: "Count tokens using a specific model and codec",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(args)
		if err != nil {
			return err
		}

		model, _ := cmd.Flags().GetString("model")
		codecName, _ := cmd.Flags().GetString("codec")
		codec, codecName, err := resolveCodec(model, codecName)
		if err != nil {
			return err
		}

		ids, _, err := codec.Encode(input)
		if err != nil {
			return errors.Wrap(err, "error encoding input")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Model: %s\n", model)
		fmt.Fprintf(out, "Codec: %s\n", codecName)
		fmt.Fprintf(out, "Total tokens: %d\n", len(ids))
		return nil
	},
}

var tokensEncodeCmd = &cobra.Command{
	Use:   "encode [file]",
	Short: "Encode text into token ids",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(args)
		if err != nil {
			return err
		}

		model, _ := cmd.Flags().GetString("model")
		codecName, _ := cmd.Flags().GetString("codec")
		codec, _, err := resolveCodec(model, codecName)
		if err != nil {
			return err
		}

		ids, _, err := codec.Encode(input)
		if err != nil {
			return errors.Wrap(err, "error encoding input")
		}

		textIds := make([]string, 0, len(ids))
		for _, id := range ids {
			textIds = append(textIds, strconv.Itoa(int(id)))
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(textIds, " "))
		return nil
	},
}

var tokensDecodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode space separated token ids back into text",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readInput(args)
		if err != nil {
			return err
		}

		model, _ := cmd.Flags().GetString("model")
		codecName, _ := cmd.Flags().GetString("codec")
		codec, _, err := resolveCodec(model, codecName)
		if err != nil {
			return err
		}

		var ids []uint
		for _, t := range strings.Fields(input) {
			id, err := strconv.Atoi(t)
			if err != nil {
				return errors.Errorf("invalid token id: %s", t)
			}
			ids = append(ids, uint(id))
		}

		text, err := codec.Decode(ids)
		if err != nil {
			return errors.Wrap(err, "error decoding input")
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{tokensCountCmd, tokensEncodeCmd, tokensDecodeCmd} {
		cmd.Flags().StringP("model", "m", "gpt-4", "Model used for encoding")
		cmd.Flags().StringP("codec", "c", "", "Codec used for encoding")
		TokensCmd.AddCommand(cmd)
	}
}

// readInput reads the named file, or stdin when the argument is missing
// or "-".
func readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", errors.Wrap(err, "could not read stdin")
		}
		return string(b), nil
	}

	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", errors.Wrap(err, "could not read input file")
	}
	return string(b), nil
}

// resolveCodec picks the tokenizer codec: the model's codec when a model
// is given, the named encoding otherwise.
func resolveCodec(model string, encoding string) (tokenizer.Codec, string, error) {
	if encoding == "" {
		encoding = defaultEncoding(model)
	}

	if model != "" {
		codec, err := conversation.CodecFor(model)
		if err != nil {
			return nil, "", errors.Wrap(err, "error creating tokenizer")
		}
		return codec, encoding, nil
	}

	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, "", errors.Wrap(err, "error creating tokenizer")
	}
	return codec, encoding, nil
}

func defaultEncoding(model string) string {
	switch {
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return "p50k_base"
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5-turbo"), strings.HasPrefix(model, "text-embedding-ada-002"):
		return "cl100k_base"
	default:
		return "r50k_base"
	}
}
