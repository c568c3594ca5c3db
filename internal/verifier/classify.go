package verifier

import "strings"

// FailureClass categorizes a failed check for diagnosis.
type FailureClass string

const (
	FailureNone            FailureClass = ""
	FailureCommandNotFound FailureClass = "command_not_found"
	FailurePermission      FailureClass = "permission_error"
	FailureFileNotFound    FailureClass = "file_not_found"
	FailureSyntax          FailureClass = "syntax_error"
	FailureDependency      FailureClass = "dependency_error"
	FailureTimeout         FailureClass = "timeout"
	FailureExecution       FailureClass = "execution_failed"
)

// Checked in order; the first class with a matching marker wins.
var classifiers = []struct {
	class   FailureClass
	markers []string
}{
	{FailureCommandNotFound, []string{"command not found", "not found in path", "executable file not found", "no such command"}},
	{FailurePermission, []string{"permission denied", "eacces", "operation not permitted"}},
	{FailureDependency, []string{
		"modulenotfounderror", "no module named", "importerror", "cannot find module",
		"cannot find package", "could not resolve dependenc", "missing dependency", "unresolved import",
	}},
	{FailureSyntax, []string{"syntaxerror", "syntax error", "indentationerror", "unexpected token", "parse error"}},
	{FailureFileNotFound, []string{"no such file or directory", "filenotfounderror", "enoent", "file not found"}},
}

// Classify maps a non-zero exit's stderr to a FailureClass.
func Classify(stderr string) FailureClass {
	s := strings.ToLower(stderr)
	for _, c := range classifiers {
		for _, m := range c.markers {
			if strings.Contains(s, m) {
				return c.class
			}
		}
	}
	return FailureExecution
}
