package forgefile

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	shebangPrefix   = "#!forge"
	blockStart      = "# /// forge"
	blockEnd        = "# ///"
	maxHeaderLength = 1 << 20
)

// Header holds settings embedded in a Forgefile's leading comments, which
// lets a Forgefile be executed directly:
//
//	#!/usr/bin/env forge
//	#!forge --run-timeout 5m
//	# /// forge
//	# tags: [app:dev]
//	# ///
//	FROM alpine
type Header struct {
	// Raw argument strings from #!forge lines
	ShebangArgs []string

	// Parsed YAML from the "/// forge" block
	Options *Options
}

// Options are build settings a Forgefile can carry itself
type Options struct {
	Tags       []string      `yaml:"tags"`
	RunTimeout time.Duration `yaml:"runTimeout"`
}

// ParseHeader reads the leading comment block of a Forgefile. It stops at
// the first line that is not a comment.
func ParseHeader(r io.Reader) (*Header, error) {
	h := &Header{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxHeaderLength)
	var lineNum int
	var inBlock bool
	var blockLines []string

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Handle the options block
		if strings.HasPrefix(line, blockStart) {
			inBlock = true
			continue
		}
		if inBlock {
			if strings.TrimSpace(line) == blockEnd {
				if err := h.parseOptions(strings.Join(blockLines, "\n")); err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNum, err)
				}
				inBlock = false
				continue
			}
			// Remove "# " prefix and collect line
			if strings.HasPrefix(line, "# ") {
				blockLines = append(blockLines, line[2:])
			} else if strings.HasPrefix(line, "#") {
				blockLines = append(blockLines, line[1:])
			} else {
				return nil, fmt.Errorf("line %d: unterminated forge block", lineNum)
			}
			continue
		}

		// Parse shebang lines
		if strings.HasPrefix(line, shebangPrefix) {
			if args := strings.TrimSpace(strings.TrimPrefix(line, shebangPrefix)); args != "" {
				h.ShebangArgs = append(h.ShebangArgs, args)
			}
			continue
		}

		// Stop parsing after first non-comment line
		if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading forgefile: %w", err)
	}
	if inBlock {
		return nil, fmt.Errorf("line %d: unterminated forge block", lineNum)
	}

	return h, nil
}

func (h *Header) parseOptions(content string) error {
	var opts Options
	if err := yaml.Unmarshal([]byte(content), &opts); err != nil {
		return fmt.Errorf("unmarshaling YAML: %w", err)
	}
	h.Options = &opts
	return nil
}
