package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

const stdinPath = "-"

type input struct {
	path string
	key  string
}

func (in input) open() (io.ReadCloser, error) {
	if in.path == stdinPath {
		return os.Stdin, nil
	}
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", in.path, err)
	}
	return f, nil
}

// resolveInputs expands the wildcard arguments and assigns an object key to every input.
func resolveInputs(args []string, key, prefix string, compressed bool, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) ([]input, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no input given, pass file paths or - for stdin")
	}

	paths, err := evaluatePaths(args, pathModifier, pathChecker, logger)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("none of the paths %v exist", args)
	}
	if key != "" && len(paths) > 1 {
		return nil, fmt.Errorf("--key can only be used with a single input, got %d", len(paths))
	}

	var inputs []input
	seen := map[string]string{}
	for _, p := range paths {
		k := key
		if k == "" {
			k = objectKey(p, prefix, compressed)
		}
		if other, ok := seen[k]; ok {
			return nil, fmt.Errorf("%s and %s would both be uploaded to %s", other, p, k)
		}
		seen[k] = p
		inputs = append(inputs, input{path: p, key: k})
	}
	return inputs, nil
}

func evaluatePaths(args []string, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) ([]string, error) {
	var expandedPaths []string
	stdinCount := 0
	for _, arg := range args {
		if arg == stdinPath {
			stdinCount++
			expandedPaths = append(expandedPaths, arg)
			continue
		}
		if !strings.Contains(arg, "*") {
			expandedPaths = append(expandedPaths, arg)
			continue
		}

		base, pattern := doublestar.SplitPattern(arg)
		absBase, err := pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", arg)
			continue
		}
		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}
	if stdinCount > 1 {
		return nil, fmt.Errorf("stdin can only be read once")
	}

	var finalPaths []string
	for _, p := range expandedPaths {
		if p == stdinPath {
			finalPaths = append(finalPaths, p)
			continue
		}
		absPath, err := pathModifier.AbsPath(p)
		if err != nil {
			logger.Warnf("Failed to parse path %s, error: %s", p, err)
			continue
		}
		exists, err := pathChecker.IsPathExists(absPath)
		if err != nil {
			logger.Warnf("Failed to check path %s, error: %s", p, err)
			continue
		}
		if !exists {
			logger.Warnf("Path %s does not exist, skipping", p)
			continue
		}
		if info, err := os.Stat(absPath); err == nil && info.IsDir() {
			logger.Warnf("Path %s is a directory, skipping", p)
			continue
		}
		finalPaths = append(finalPaths, p)
	}
	return finalPaths, nil
}

// objectKey derives a key from the input path, e.g. ./logs/build.log -> <prefix>logs/build.log.
func objectKey(p, prefix string, compressed bool) string {
	var k string
	if p == stdinPath {
		k = "stdin-" + uuid.NewString()
	} else {
		k = strings.TrimLeft(path.Clean(filepath.ToSlash(p)), "/")
		for strings.HasPrefix(k, "../") {
			k = strings.TrimPrefix(k, "../")
		}
	}
	if compressed {
		k += ".zst"
	}
	return prefix + k
}
