package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	testutil "task-pipeline/tests/utils"
)

func main() {
	var (
		count  = flag.IntP("count", "n", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "perf-user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		output = flag.StringP("output", "o", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	tokens, err := generateTokens(*count, *prefix, *start, args)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func userIDs(count int, prefix string, start int, args []string) []string {
	ids := make([]string, count)
	for i := range ids {
		switch {
		case len(args) > 0:
			ids[i] = args[0]
		case count == 1:
			ids[i] = prefix
		default:
			ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
		}
	}
	return ids
}

func generateTokens(count int, prefix string, start int, args []string) ([]string, error) {
	ids := userIDs(count, prefix, start, args)
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tok, err := testutil.TestToken(id)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
