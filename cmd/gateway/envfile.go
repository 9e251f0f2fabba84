package main

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

const envFilePathEnv = "GATEWAY_ENV_FILE"

// loadEnvFile applies KEY=VALUE lines from path (or GATEWAY_ENV_FILE, or
// .env) without overriding variables already set. A missing file is fine.
func loadEnvFile(path string) (string, int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envFilePathEnv))
	}
	if path == "" {
		path = ".env"
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return path, 0, nil
	}
	if err != nil {
		return path, 0, err
	}

	loaded := 0
	for _, kv := range parseEnv(string(content)) {
		if _, exists := os.LookupEnv(kv[0]); exists {
			continue
		}
		if err := os.Setenv(kv[0], kv[1]); err == nil {
			loaded++
		}
	}
	return path, loaded, nil
}

// parseEnv returns key/value pairs in file order.
func parseEnv(content string) [][2]string {
	var out [][2]string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out = append(out, [2]string{key, unquote(value)})
	}
	return out
}

func unquote(raw string) string {
	text := strings.TrimSpace(raw)
	if len(text) < 2 {
		return text
	}
	switch {
	case text[0] == '"' && text[len(text)-1] == '"':
		return strings.ReplaceAll(text[1:len(text)-1], `\n`, "\n")
	case text[0] == '\'' && text[len(text)-1] == '\'':
		return text[1 : len(text)-1]
	}
	return text
}
