package device

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

// SourceResolver loads shader source text by logical path, e.g. "shaders/mrt.frag".
type SourceResolver interface {
	ReadShader(path string) ([]byte, error)
}

const maxIncludeDepth = 16

type preprocessor struct {
	resolver SourceResolver
	defines  map[string]string
	stack    []string
}

// Preprocess resolves includes and conditional blocks of the shader at file
// using macros as the initial defines. The defines are emitted right after
// the #version line so that the native compiler sees the same values.
func Preprocess(resolver SourceResolver, file string, macros map[string]string) (string, error) {
	if resolver == nil {
		return "", fmt.Errorf("no shader source resolver: %w", core.ErrShaderCompileFailure)
	}
	pp := &preprocessor{
		resolver: resolver,
		defines:  make(map[string]string, len(macros)),
	}
	for k, v := range macros {
		pp.defines[k] = v
	}

	var out bytes.Buffer
	if err := pp.process(&out, file); err != nil {
		return "", err
	}
	return injectDefines(out.String(), macros), nil
}

func (pp *preprocessor) process(out *bytes.Buffer, file string) error {
	if len(pp.stack) >= maxIncludeDepth {
		return fmt.Errorf("%s: include depth exceeds %d: %w", file, maxIncludeDepth, core.ErrShaderCompileFailure)
	}
	for _, f := range pp.stack {
		if f == file {
			return fmt.Errorf("%s: recursive include: %w", file, core.ErrShaderCompileFailure)
		}
	}
	src, err := pp.resolver.ReadShader(file)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", file, err, core.ErrShaderCompileFailure)
	}
	pp.stack = append(pp.stack, file)
	defer func() { pp.stack = pp.stack[:len(pp.stack)-1] }()

	// active[i] tells whether the block at depth i emits lines; taken[i]
	// whether one of its branches already did.
	active := []bool{true}
	taken := []bool{true}
	enabled := func() bool {
		for _, a := range active {
			if !a {
				return false
			}
		}
		return true
	}

	scanner := bufio.NewScanner(bytes.NewReader(src))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		directive, arg := splitDirective(text)

		switch directive {
		case "ifdef", "ifndef":
			_, defined := pp.defines[arg]
			cond := defined == (directive == "ifdef")
			active = append(active, cond)
			taken = append(taken, cond)
			continue
		case "if":
			cond, err := pp.evaluate(arg)
			if err != nil {
				return fmt.Errorf("%s:%d: %v: %w", file, line, err, core.ErrShaderCompileFailure)
			}
			active = append(active, cond)
			taken = append(taken, cond)
			continue
		case "elif":
			if len(active) == 1 {
				return fmt.Errorf("%s:%d: #elif without #if: %w", file, line, core.ErrShaderCompileFailure)
			}
			top := len(active) - 1
			if taken[top] {
				active[top] = false
				continue
			}
			cond, err := pp.evaluate(arg)
			if err != nil {
				return fmt.Errorf("%s:%d: %v: %w", file, line, err, core.ErrShaderCompileFailure)
			}
			active[top] = cond
			taken[top] = cond
			continue
		case "else":
			if len(active) == 1 {
				return fmt.Errorf("%s:%d: #else without #if: %w", file, line, core.ErrShaderCompileFailure)
			}
			top := len(active) - 1
			active[top] = !taken[top]
			taken[top] = true
			continue
		case "endif":
			if len(active) == 1 {
				return fmt.Errorf("%s:%d: #endif without #if: %w", file, line, core.ErrShaderCompileFailure)
			}
			active = active[:len(active)-1]
			taken = taken[:len(taken)-1]
			continue
		}

		if !enabled() {
			continue
		}

		switch directive {
		case "include":
			name := strings.Trim(arg, "\"<>")
			if err := pp.process(out, path.Join(path.Dir(file), name)); err != nil {
				return err
			}
			continue
		case "error":
			return fmt.Errorf("%s:%d: #error %s: %w", file, line, arg, core.ErrShaderCompileFailure)
		case "define":
			name, value, _ := strings.Cut(arg, " ")
			pp.defines[name] = strings.TrimSpace(value)
		case "undef":
			delete(pp.defines, arg)
		}
		out.WriteString(text)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %v: %w", file, err, core.ErrShaderCompileFailure)
	}
	if len(active) != 1 {
		return fmt.Errorf("%s: unterminated conditional: %w", file, core.ErrShaderCompileFailure)
	}
	return nil
}

var comparisons = []string{"==", "!=", ">=", "<=", ">", "<"}

// evaluate handles the conditions shaders use: defined(NAME), a single
// operand, or two integer operands joined by one comparison. Undefined names
// evaluate to 0.
func (pp *preprocessor) evaluate(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if name, ok := strings.CutPrefix(expr, "defined"); ok {
		name = strings.Trim(strings.TrimSpace(name), "()")
		_, defined := pp.defines[strings.TrimSpace(name)]
		return defined, nil
	}
	for _, op := range comparisons {
		lhs, rhs, found := strings.Cut(expr, op)
		if !found {
			continue
		}
		a, err := pp.operand(lhs)
		if err != nil {
			return false, err
		}
		b, err := pp.operand(rhs)
		if err != nil {
			return false, err
		}
		switch op {
		case "==":
			return a == b, nil
		case "!=":
			return a != b, nil
		case ">=":
			return a >= b, nil
		case "<=":
			return a <= b, nil
		case ">":
			return a > b, nil
		default:
			return a < b, nil
		}
	}
	v, err := pp.operand(expr)
	return v != 0, err
}

func (pp *preprocessor) operand(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for depth := 0; depth < maxIncludeDepth; depth++ {
		v, ok := pp.defines[s]
		if !ok {
			break
		}
		s = strings.TrimSpace(v)
	}
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n, nil
	}
	if isIdentifier(s) {
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported #if operand %q", s)
}

func isIdentifier(s string) bool {
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return s != ""
}

func splitDirective(line string) (string, string) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", ""
	}
	trimmed = strings.TrimSpace(trimmed[1:])
	directive, arg, _ := strings.Cut(trimmed, " ")
	return directive, strings.TrimSpace(arg)
}

func injectDefines(src string, macros map[string]string) string {
	if len(macros) == 0 {
		return src
	}
	keys := make([]string, 0, len(macros))
	for k := range macros {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var defs strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&defs, "#define %s %s\n", k, macros[k])
	}

	if strings.HasPrefix(strings.TrimSpace(src), "#version") {
		version, rest, _ := strings.Cut(src, "\n")
		return version + "\n" + defs.String() + rest
	}
	return defs.String() + src
}
