package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// ErrDuplicateFunction is returned when two functions share a name.
	ErrDuplicateFunction = errors.New("duplicate function")

	// ErrMissingFunctionName is returned when --tf is not followed by a name.
	ErrMissingFunctionName = errors.New("missing function name after --tf")

	// ErrUnknownFunction is returned when the selected function is not
	// registered or is ignored.
	ErrUnknownFunction = errors.New("unknown function")
)

// Tester runs the named functions of a package from the command line.
//
// Functions are cobra commands registered under their Name(). Names with an
// ignored prefix or suffix are accepted by Register but never reachable.
type Tester struct {
	pkg          string
	ignorePrefix []string
	ignoreSuffix []string

	funcs map[string]*cobra.Command
	root  *cobra.Command
}

// NewTester creates a function tester for pkg. Empty ignore lists expose
// every registered function.
func NewTester(pkg string, ignorePrefix, ignoreSuffix []string) *Tester {
	t := &Tester{
		pkg:          pkg,
		ignorePrefix: ignorePrefix,
		ignoreSuffix: ignoreSuffix,
		funcs:        make(map[string]*cobra.Command),
	}

	t.root = &cobra.Command{
		Use:           pkg + " [--tf] <funcname> [args]",
		Short:         fmt.Sprintf("Run a named function of %s", pkg),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          t.validateFunction,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.listFunctions(cmd.OutOrStdout())
		},
	}
	t.root.CompletionOptions.DisableDefaultCmd = true
	return t
}

// Register adds functions to the tester.
func (t *Tester) Register(cmds ...*cobra.Command) error {
	for _, cmd := range cmds {
		name := cmd.Name()
		if _, ok := t.funcs[name]; ok {
			return fmt.Errorf("%w %q in %s", ErrDuplicateFunction, name, t.pkg)
		}
		t.funcs[name] = cmd
		if !t.Ignored(name) {
			t.root.AddCommand(cmd)
		}
	}
	return nil
}

// Ignored reports whether name starts with an ignored prefix or ends with an
// ignored suffix.
func (t *Tester) Ignored(name string) bool {
	for _, p := range t.ignorePrefix {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range t.ignoreSuffix {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Names returns the sorted names of the reachable functions.
func (t *Tester) Names() []string {
	names := make([]string, 0, len(t.funcs))
	for name := range t.funcs {
		if !t.Ignored(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup returns the reachable function called name.
func (t *Tester) Lookup(name string) (*cobra.Command, bool) {
	cmd, ok := t.funcs[name]
	if !ok || t.Ignored(name) {
		return nil, false
	}
	return cmd, true
}

// Root returns the root command. Callers may add persistent flags and hooks
// to it before calling Main.
func (t *Tester) Root() *cobra.Command {
	return t.root
}

// Main prints the "Running <pkg> main" banner to stdout and executes the
// function selected by args.
func (t *Tester) Main(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "Running %s main\n", t.pkg)

	args, err := NormalizeArgs(args)
	if err != nil {
		return err
	}
	if args == nil {
		// cobra falls back to os.Args on nil
		args = []string{}
	}

	t.root.SetArgs(args)
	t.root.SetOut(stdout)
	t.root.SetErr(stderr)
	return t.root.ExecuteContext(ctx)
}

// NormalizeArgs moves the function selected with --tf, --tf=<name> or
// -tf to the front so that both invocation shapes reach the same command:
//
//	pyhesaff --tf detect_kpts img.png
//	pyhesaff detect_kpts img.png
//
// Arguments after a "--" terminator are left alone.
func NormalizeArgs(args []string) ([]string, error) {
	for i, arg := range args {
		if arg == "--" {
			break
		}

		var name string
		var consumed int
		switch {
		case arg == "--tf" || arg == "-tf":
			if i+1 >= len(args) || args[i+1] == "" || strings.HasPrefix(args[i+1], "-") {
				return nil, ErrMissingFunctionName
			}
			name, consumed = args[i+1], 2
		case strings.HasPrefix(arg, "--tf="):
			name, consumed = strings.TrimPrefix(arg, "--tf="), 1
			if name == "" {
				return nil, ErrMissingFunctionName
			}
		default:
			continue
		}

		out := make([]string, 0, len(args)-consumed+1)
		out = append(out, name)
		out = append(out, args[:i]...)
		out = append(out, args[i+consumed:]...)
		return out, nil
	}
	return args, nil
}

// validateFunction rejects positional arguments that reached the root
// command, which happens when no registered function matched.
func (t *Tester) validateFunction(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	msg := fmt.Sprintf("%q for %q", args[0], t.pkg)
	if suggestions := cmd.SuggestionsFor(args[0]); len(suggestions) > 0 {
		msg += "; did you mean " + strings.Join(suggestions, ", ") + "?"
	}
	return fmt.Errorf("%w %s", ErrUnknownFunction, msg)
}

func (t *Tester) listFunctions(w io.Writer) error {
	names := t.Names()
	if len(names) == 0 {
		_, err := fmt.Fprintf(w, "No functions registered in %s\n", t.pkg)
		return err
	}
	if _, err := fmt.Fprintf(w, "Available functions in %s:\n", t.pkg); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "  %-16s %s\n", name, t.funcs[name].Short); err != nil {
			return err
		}
	}
	return nil
}
