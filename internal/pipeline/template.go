package pipeline

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/example/riboflow/internal/domain"
)

// Placeholder namespaces and reserved names usable in command templates.
const (
	nsInput  = "input"
	nsOutput = "output"
	nsParam  = "param"

	varSample  = "sample"
	varSamples = "samples"
	varWorkDir = "workdir"
	varThreads = "threads"
)

// Bindings are the values substituted into a command template.
type Bindings struct {
	Inputs  map[string][]string // input name -> paths, in sample order
	Outputs map[string]string   // output name -> path
	Sample  string
	Samples []string
	Params  map[string]string
	WorkDir string
	Threads int
}

// Render substitutes placeholders in command. Input and output paths are
// shell-quoted; shell variables such as $HOME are passed through untouched.
func Render(command string, b Bindings) string {
	return os.Expand(command, func(name string) string {
		ns, key, dotted := strings.Cut(name, ".")
		if dotted {
			switch ns {
			case nsInput:
				quoted := make([]string, len(b.Inputs[key]))
				for i, p := range b.Inputs[key] {
					quoted[i] = ShellQuote(p)
				}
				return strings.Join(quoted, " ")
			case nsOutput:
				return ShellQuote(b.Outputs[key])
			case nsParam:
				return b.Params[key]
			}
			return passthrough(name)
		}
		switch name {
		case varSample:
			return b.Sample
		case varSamples:
			return strings.Join(b.Samples, " ")
		case varWorkDir:
			return ShellQuote(b.WorkDir)
		case varThreads:
			return strconv.Itoa(b.Threads)
		}
		return passthrough(name)
	})
}

// CheckTemplate reports placeholders in command that cannot be bound for a
// stage with the given inputs, outputs and parameters.
func CheckTemplate(stage, command string, inputs, outputs []string, params map[string]string) error {
	declared := func(list []string, name string) bool {
		for _, n := range list {
			if n == name {
				return true
			}
		}
		return false
	}

	var problems []string
	os.Expand(command, func(name string) string {
		ns, key, dotted := strings.Cut(name, ".")
		if !dotted {
			return ""
		}
		switch ns {
		case nsInput:
			if !declared(inputs, key) {
				problems = append(problems, "${"+name+"} is not a declared input")
			}
		case nsOutput:
			if !declared(outputs, key) {
				problems = append(problems, "${"+name+"} is not a declared output")
			}
		case nsParam:
			if _, ok := params[key]; !ok {
				problems = append(problems, "${"+name+"} has no value")
			}
		default:
			problems = append(problems, "${"+name+"} has unknown namespace "+strconv.Quote(ns))
		}
		return ""
	})
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return domain.Configf(domain.ErrConfig, "stage %q command: %s", stage, strings.Join(problems, "; "))
}

func passthrough(name string) string {
	if len(name) == 1 && (!isNameByte(name[0]) || name[0] >= '0' && name[0] <= '9') {
		return "$" + name
	}
	return "${" + name + "}"
}

func isNameByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// ShellQuote quotes s for a POSIX shell when it contains anything other than
// characters safe to pass unquoted.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isNameByte(c) && !strings.ContainsRune("@%+=:,./-", rune(c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
