package forgefile

import (
	"encoding/json"
	"path"
	"strings"
)

// Keyword is a directive name as it appears in a Forgefile
type Keyword string

const (
	KeywordFrom       Keyword = "FROM"
	KeywordRun        Keyword = "RUN"
	KeywordCopy       Keyword = "COPY"
	KeywordWorkdir    Keyword = "WORKDIR"
	KeywordEntrypoint Keyword = "ENTRYPOINT"
	KeywordEnv        Keyword = "ENV"
)

// Instruction is a single parsed directive.
//
// Canonical returns the normalized form that identifies the instruction in
// the layer cache key. Two instructions with the same canonical form are
// interchangeable.
type Instruction interface {
	Keyword() Keyword
	Line() int
	Canonical() string
}

// From selects the base image
type From struct {
	Ref    string
	LineNo int
}

func (i From) Keyword() Keyword { return KeywordFrom }
func (i From) Line() int { return i.LineNo }
func (i From) Canonical() string { return "FROM " + i.Ref }
func (i From) String() string { return i.Canonical() }

// Run executes a shell command inside the image being built
type Run struct {
	Command string
	LineNo  int
}

func (i Run) Keyword() Keyword { return KeywordRun }
func (i Run) Line() int { return i.LineNo }
func (i Run) Canonical() string { return "RUN " + collapseSpace(i.Command) }
func (i Run) String() string { return "RUN " + i.Command }

// Argv returns the command as executed by the build shell.
func (i Run) Argv() []string {
	return []string{"/bin/sh", "-c", i.Command}
}

// Copy copies a path from the build context into the image
type Copy struct {
	Src    string
	Dst    string
	LineNo int
}

func (i Copy) Keyword() Keyword { return KeywordCopy }
func (i Copy) Line() int { return i.LineNo }
func (i Copy) Canonical() string {
	return "COPY " + jsonArray([]string{i.Src, i.Dst})
}
func (i Copy) String() string { return "COPY " + i.Src + " " + i.Dst }

// Workdir sets the working directory for later RUN steps and the entrypoint
type Workdir struct {
	Path   string
	LineNo int
}

func (i Workdir) Keyword() Keyword { return KeywordWorkdir }
func (i Workdir) Line() int { return i.LineNo }
func (i Workdir) Canonical() string { return "WORKDIR " + path.Clean(i.Path) }
func (i Workdir) String() string { return "WORKDIR " + i.Path }

// Entrypoint sets the default command of the image
type Entrypoint struct {
	Argv   []string
	LineNo int
}

func (i Entrypoint) Keyword() Keyword { return KeywordEntrypoint }
func (i Entrypoint) Line() int { return i.LineNo }
func (i Entrypoint) Canonical() string { return "ENTRYPOINT " + jsonArray(i.Argv) }
func (i Entrypoint) String() string { return i.Canonical() }

// Env sets an environment variable for later RUN steps and the container
type Env struct {
	Key    string
	Value  string
	LineNo int
}

func (i Env) Keyword() Keyword { return KeywordEnv }
func (i Env) Line() int { return i.LineNo }
func (i Env) Canonical() string { return "ENV " + i.Key + "=" + i.Value }
func (i Env) String() string { return i.Canonical() }

// Forgefile is a parsed build definition
type Forgefile struct {
	// Instructions in file order, starting with the FROM directive
	Instructions []Instruction

	// ContextDir resolves relative COPY sources
	ContextDir string
}

// Base returns the FROM directive.
func (f *Forgefile) Base() From {
	return f.Instructions[0].(From)
}

// Steps returns every instruction after FROM.
func (f *Forgefile) Steps() []Instruction {
	return f.Instructions[1:]
}

func jsonArray(args []string) string {
	if args == nil {
		args = []string{}
	}
	// Marshaling a []string cannot fail
	b, _ := json.Marshal(args)
	return string(b)
}

// collapseSpace folds runs of whitespace outside quotes into one space, so
// that reformatting a RUN line does not invalidate its cache entry.
func collapseSpace(s string) string {
	var b strings.Builder
	var quote rune
	space := false
	escaped := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ' ' || r == '\t':
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
