package buildenv

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// file:line:col: message and file:line: message
	locationRe = regexp.MustCompile(`^\s*([^\s:]+):(\d+):(?:(\d+):)?\s+(.+)$`)
	// "--> file:line:col" continuation lines printed below an error/warning
	// header by some compilers.
	arrowRe = regexp.MustCompile(`^\s*-->\s+([^\s:][^:]*?):(\d+):(\d+)\s*$`)

	passedRe = regexp.MustCompile(`(\d+) passed`)
	failedRe = regexp.MustCompile(`(\d+) failed`)
)

// ParseDiagnostics extracts located messages from compiler, linter or test
// output. Severity is warning when the message says so and error
// otherwise.
func ParseDiagnostics(output string) []Diagnostic {
	var out []Diagnostic
	var header string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")

		if m := arrowRe.FindStringSubmatch(line); m != nil && header != "" {
			lineNo, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			out = append(out, Diagnostic{
				File:     cleanFile(m[1]),
				Line:     lineNo,
				Column:   col,
				Severity: severityOf(header),
				Message:  stripSeverity(header),
			})
			header = ""
			continue
		}

		if m := locationRe.FindStringSubmatch(line); m != nil && !isURL(m[1]) {
			lineNo, _ := strconv.Atoi(m[2])
			col := 0
			if m[3] != "" {
				col, _ = strconv.Atoi(m[3])
			}
			out = append(out, Diagnostic{
				File:     cleanFile(m[1]),
				Line:     lineNo,
				Column:   col,
				Severity: severityOf(m[4]),
				Message:  stripSeverity(m[4]),
			})
			header = ""
			continue
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "error") || strings.HasPrefix(trimmed, "warning") {
			header = trimmed
		}
	}
	return out
}

func cleanFile(f string) string {
	return strings.TrimPrefix(strings.TrimSpace(f), "./")
}

func isURL(f string) bool {
	return strings.Contains(f, "//") || f == "http" || f == "https"
}

func severityOf(msg string) Severity {
	lower := strings.ToLower(msg)
	if strings.HasPrefix(lower, "warning") || (strings.Contains(lower, "warning") && !strings.Contains(lower, "error")) {
		return SeverityWarning
	}
	return SeverityError
}

// stripSeverity drops a leading "error:" or "warning[...]:" label.
func stripSeverity(msg string) string {
	for _, label := range []string{"error", "warning"} {
		if !strings.HasPrefix(strings.ToLower(msg), label) {
			continue
		}
		rest := msg[len(label):]
		if strings.HasPrefix(rest, "[") {
			if i := strings.Index(rest, "]"); i >= 0 {
				rest = rest[i+1:]
			}
		}
		if strings.HasPrefix(rest, ":") {
			return strings.TrimSpace(rest[1:])
		}
	}
	return strings.TrimSpace(msg)
}

// ParseTestCounts extracts passed and failed test counts. Summary lines
// such as "5 passed; 1 failed" win; otherwise "--- PASS" and "--- FAIL"
// lines are counted; otherwise package-level "ok" and "FAIL" lines.
func ParseTestCounts(output string) (passed, failed int) {
	var sumPassed, sumFailed, verbosePass, verboseFail, pkgOK, pkgFail int
	var sawSummary bool

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)

		if m := passedRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			sumPassed += n
			sawSummary = true
		}
		if m := failedRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			sumFailed += n
			sawSummary = true
		}

		switch {
		case strings.HasPrefix(trimmed, "--- PASS"):
			verbosePass++
		case strings.HasPrefix(trimmed, "--- FAIL"):
			verboseFail++
		case strings.HasPrefix(line, "ok ") || strings.HasPrefix(line, "ok\t"):
			pkgOK++
		case strings.HasPrefix(line, "FAIL\t") || strings.HasPrefix(line, "FAIL "):
			pkgFail++
		}
	}

	switch {
	case sawSummary:
		return sumPassed, sumFailed
	case verbosePass+verboseFail > 0:
		return verbosePass, verboseFail
	default:
		return pkgOK, pkgFail
	}
}
