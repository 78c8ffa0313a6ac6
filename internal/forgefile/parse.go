// Package forgefile parses Forgefiles, the line-oriented build definitions
// consumed by the builder.
package forgefile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// ParseFile parses the Forgefile at path. The build context is the
// directory containing the file.
func ParseFile(path string) (*Forgefile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening forgefile: %w", err)
	}
	defer f.Close()

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving build context: %w", err)
	}
	return Parse(f, abs)
}

// Parse reads a Forgefile from r. contextDir is recorded on the result and
// is not accessed.
func Parse(r io.Reader, contextDir string) (*Forgefile, error) {
	ff := &Forgefile{ContextDir: contextDir}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lineNum int
	var startLine int
	var pending strings.Builder
	hasBase := false

	handle := func(line string, at int) error {
		inst, err := parseLine(line, at)
		if err != nil {
			return err
		}
		switch {
		case inst.Keyword() == KeywordFrom && hasBase:
			return parseErrorf(ErrDuplicateBase, at, "%s", line)
		case inst.Keyword() == KeywordFrom:
			hasBase = true
		case !hasBase:
			return parseErrorf(ErrMissingBase, at, "%s before FROM", inst.Keyword())
		}
		ff.Instructions = append(ff.Instructions, inst)
		return nil
	}

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Comments and blank lines do not terminate a continuation
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if pending.Len() == 0 {
			startLine = lineNum
		}

		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteByte(' ')
			continue
		}

		pending.WriteString(line)
		logical := pending.String()
		pending.Reset()

		if err := handle(logical, startLine); err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading forgefile: %w", err)
	}

	// A dangling continuation on the last line is still a directive
	if pending.Len() > 0 {
		if err := handle(strings.TrimSpace(pending.String()), startLine); err != nil {
			return nil, err
		}
	}

	if !hasBase {
		return nil, &ParseError{Kind: ErrMissingBase}
	}

	return ff, nil
}

func parseLine(line string, lineNum int) (Instruction, error) {
	keyword, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		keyword, rest = line[:i], strings.TrimSpace(line[i+1:])
	}

	kw := Keyword(strings.ToUpper(keyword))
	switch kw {
	case KeywordFrom, KeywordRun, KeywordCopy, KeywordWorkdir, KeywordEntrypoint, KeywordEnv:
	default:
		return nil, parseErrorf(ErrUnknownDirective, lineNum, "%q", keyword)
	}

	if rest == "" {
		return nil, parseErrorf(ErrArityMismatch, lineNum, "%s requires an argument", kw)
	}

	switch kw {
	case KeywordFrom:
		fields := strings.Fields(rest)
		if len(fields) != 1 {
			return nil, parseErrorf(ErrArityMismatch, lineNum, "FROM takes 1 argument, got %d", len(fields))
		}
		return From{Ref: fields[0], LineNo: lineNum}, nil

	case KeywordRun:
		return Run{Command: rest, LineNo: lineNum}, nil

	case KeywordCopy:
		args, err := shlex.Split(rest)
		if err != nil {
			return nil, parseErrorf(ErrMalformed, lineNum, "COPY: %v", err)
		}
		if len(args) != 2 {
			return nil, parseErrorf(ErrArityMismatch, lineNum, "COPY takes 2 arguments, got %d", len(args))
		}
		return Copy{Src: args[0], Dst: args[1], LineNo: lineNum}, nil

	case KeywordWorkdir:
		args, err := shlex.Split(rest)
		if err != nil {
			return nil, parseErrorf(ErrMalformed, lineNum, "WORKDIR: %v", err)
		}
		if len(args) != 1 {
			return nil, parseErrorf(ErrArityMismatch, lineNum, "WORKDIR takes 1 argument, got %d", len(args))
		}
		return Workdir{Path: args[0], LineNo: lineNum}, nil

	case KeywordEntrypoint:
		argv, err := parseEntrypoint(rest, lineNum)
		if err != nil {
			return nil, err
		}
		return Entrypoint{Argv: argv, LineNo: lineNum}, nil

	case KeywordEnv:
		return parseEnv(rest, lineNum)
	}

	// unreachable, every keyword is handled above
	return nil, parseErrorf(ErrUnknownDirective, lineNum, "%q", keyword)
}

// parseEntrypoint accepts the exec form (a JSON array) or the shell form
// (a bare string run by /bin/sh -c).
func parseEntrypoint(s string, lineNum int) ([]string, error) {
	if !strings.HasPrefix(s, "[") {
		return []string{"/bin/sh", "-c", s}, nil
	}

	var argv []string
	if err := json.Unmarshal([]byte(s), &argv); err != nil {
		return nil, parseErrorf(ErrMalformed, lineNum, "ENTRYPOINT requires a JSON array of strings: %v", err)
	}
	if len(argv) == 0 {
		return nil, parseErrorf(ErrArityMismatch, lineNum, "ENTRYPOINT array is empty")
	}
	return argv, nil
}

func parseEnv(s string, lineNum int) (Instruction, error) {
	var key, value string
	if k, v, ok := strings.Cut(s, "="); ok && !strings.ContainsAny(k, " \t") {
		key, value = k, v
	} else {
		fields := strings.SplitN(s, " ", 2)
		if len(fields) != 2 {
			return nil, parseErrorf(ErrArityMismatch, lineNum, "ENV requires KEY=VALUE")
		}
		key, value = fields[0], strings.TrimSpace(fields[1])
	}

	if key == "" {
		return nil, parseErrorf(ErrMalformed, lineNum, "ENV key is empty")
	}

	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
		value = value[1 : len(value)-1]
	}

	return Env{Key: key, Value: value, LineNo: lineNum}, nil
}
