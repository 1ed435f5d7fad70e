package diagnostic

import (
	"regexp"
	"strconv"
	"strings"
)

const noOutputMessage = "worker produced no output"

// Record is one recognizable diagnostic entry found in raw stderr text.
type Record struct {
	// Line is the zero-based line index the record starts on.
	Line      int
	Timestamp string
	Runtime   string
	Severity  string
	Category  Category
	Type      string
	Message   string
	File      string
	FileLine  int
	Trace     []string
}

// Error converts the record into a structured error.
func (r Record) Error() *Error {
	return &Error{
		Type:     r.Type,
		Category: r.Category,
		Message:  r.Message,
		File:     r.File,
		Line:     r.FileLine,
		Trace:    r.Trace,
	}
}

var (
	// [ts] <runtime> <Severity>: <rest>, with timestamp and runtime optional.
	severityPattern = regexp.MustCompile(`^(?:\[([^\]]*)\]\s*)?(?:([A-Za-z][\w.-]*)\s+)??` +
		`((?i:recoverable fatal error|catchable fatal error|fatal error|parse error|compile error|core error|` +
		`user error|user warning|user notice|user deprecated|compile warning|core warning|strict standards|` +
		`warning|notice|deprecated)):\s*(.*)$`)
	uncaughtPattern     = regexp.MustCompile(`^Uncaught ([\w\\.]+)(?:\(\d+\))?:\s*(.*?)(?:\s+in\s+(\S+?):(\d+))?$`)
	onLinePattern       = regexp.MustCompile(`^(.*?)\s+in\s+(\S+)\s+on\s+line\s+(\d+)\s*$`)
	colonLinePattern    = regexp.MustCompile(`^(.*?)\s+in\s+(\S+?):(\d+)\s*$`)
	thrownInPattern     = regexp.MustCompile(`^\s*thrown\s+in\s+(\S+)\s+on\s+line\s+(\d+)`)
	traceLinePattern    = regexp.MustCompile(`^(?:Stack trace:|#\d+\s|\s+\S)`)
	goPanicPattern      = regexp.MustCompile(`^panic: (.*?)( \[recovered\])?$`)
	goFatalPattern      = regexp.MustCompile(`^fatal error: (.*)$`)
	goSignalPattern     = regexp.MustCompile(`^(SIG[A-Z]+): (.*)$`)
	compilePattern      = regexp.MustCompile(`^(\S+\.go):(\d+):(\d+): (.+)$`)
	goFramePattern      = regexp.MustCompile(`^\t(\S+\.go):(\d+)`)
	goroutineHeader     = regexp.MustCompile(`^goroutine \d+ \[`)
	signalDetailPattern = regexp.MustCompile(`^\[signal `)
)

var severityCategories = map[string]Category{
	"fatal error":             CategoryFatal,
	"core error":              CategoryFatal,
	"recoverable fatal error": CategoryFatal,
	"catchable fatal error":   CategoryFatal,
	"parse error":             CategoryParse,
	"compile error":           CategoryCompile,
	"user error":              CategoryUserError,
	"warning":                 CategoryWarning,
	"core warning":            CategoryWarning,
	"compile warning":         CategoryWarning,
	"user warning":            CategoryUserWarning,
	"notice":                  CategoryNotice,
	"strict standards":        CategoryNotice,
	"user notice":             CategoryUserNotice,
	"deprecated":              CategoryDeprecated,
	"user deprecated":         CategoryUserDeprecated,
}

// Scan returns every recognizable record in raw, in order of appearance.
// Unrelated lines between records are ignored.
func Scan(raw []byte) []Record {
	lines := splitLines(string(raw))
	var records []Record

	for i := 0; i < len(lines); i++ {
		rec, kind, ok := parseLine(lines[i])
		if !ok {
			continue
		}
		rec.Line = i

		// Collect the trace block that follows the record.
		j := i + 1
		for ; j < len(lines); j++ {
			line := lines[j]
			if kind == recordGo {
				if _, _, next := parseLine(line); next {
					break
				}
				rec.Trace = append(rec.Trace, line)
				continue
			}
			if !traceLinePattern.MatchString(line) {
				break
			}
			rec.Trace = append(rec.Trace, line)
			if m := thrownInPattern.FindStringSubmatch(line); m != nil && rec.File == "" {
				rec.File = m[1]
				rec.FileLine, _ = strconv.Atoi(m[2])
			}
		}
		rec.Trace = trimBlank(rec.Trace)
		if kind == recordGo && rec.File == "" {
			rec.File, rec.FileLine = firstUserFrame(rec.Trace)
		}

		records = append(records, rec)
		i = j - 1
	}

	return records
}

// Classify reconstructs the error most likely to have ended execution.
// It never fails: unrecognizable text is wrapped verbatim and empty input
// yields a no-output error.
func Classify(raw []byte) *Error {
	if strings.TrimSpace(string(raw)) == "" {
		return &Error{Category: CategoryNoOutput, Message: noOutputMessage}
	}

	records := Scan(raw)
	if len(records) == 0 {
		return &Error{Type: "unstructured", Category: CategoryUnstructured, Message: string(raw)}
	}

	best := records[0]
	for _, r := range records[1:] {
		if r.Category.rank() > best.Category.rank() {
			best = r
		}
	}
	return best.Error()
}

type recordKind int

const (
	recordSeverity recordKind = iota
	recordGo
	recordCompile
)

func parseLine(line string) (Record, recordKind, bool) {
	if m := goPanicPattern.FindStringSubmatch(line); m != nil {
		return Record{Severity: "panic", Category: CategoryFatal, Type: "panic", Message: m[1]}, recordGo, true
	}
	if m := goFatalPattern.FindStringSubmatch(line); m != nil {
		return Record{Severity: "fatal error", Category: CategoryFatal, Type: "fatal error", Message: m[1]}, recordGo, true
	}
	if m := goSignalPattern.FindStringSubmatch(line); m != nil {
		return Record{Severity: m[1], Category: CategoryFatal, Type: m[1], Message: m[2]}, recordGo, true
	}
	if m := severityPattern.FindStringSubmatch(line); m != nil {
		return parseSeverity(m), recordSeverity, true
	}
	if m := compilePattern.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[2])
		return Record{
			Severity: "compile error",
			Category: CategoryCompile,
			Type:     "compile error",
			Message:  m[4],
			File:     m[1],
			FileLine: n,
		}, recordCompile, true
	}
	return Record{}, 0, false
}

func parseSeverity(m []string) Record {
	severity := strings.ToLower(m[3])
	rec := Record{
		Timestamp: m[1],
		Runtime:   m[2],
		Severity:  severity,
		Category:  severityCategories[severity],
		Type:      severity,
		Message:   strings.TrimSpace(m[4]),
	}

	if u := uncaughtPattern.FindStringSubmatch(rec.Message); u != nil {
		rec.Category = CategoryUncaught
		rec.Type = u[1]
		rec.Message = u[2]
		if u[3] != "" {
			rec.File = u[3]
			rec.FileLine, _ = strconv.Atoi(u[4])
		}
		return rec
	}

	if l := onLinePattern.FindStringSubmatch(rec.Message); l != nil {
		rec.Message, rec.File = l[1], l[2]
		rec.FileLine, _ = strconv.Atoi(l[3])
	} else if l := colonLinePattern.FindStringSubmatch(rec.Message); l != nil {
		rec.Message, rec.File = l[1], l[2]
		rec.FileLine, _ = strconv.Atoi(l[3])
	}
	return rec
}

// firstUserFrame finds the first non-runtime frame of a Go goroutine trace,
// starting after the panic call when one is present.
func firstUserFrame(trace []string) (string, int) {
	start := 0
	for i, line := range trace {
		if strings.HasPrefix(line, "panic(") {
			start = i + 1
		}
	}

	function := ""
	for _, line := range trace[start:] {
		if m := goFramePattern.FindStringSubmatch(line); m != nil {
			if function == "" || strings.HasPrefix(function, "runtime.") || strings.HasPrefix(function, "runtime/debug.") {
				continue
			}
			n, _ := strconv.Atoi(m[2])
			return m[1], n
		}
		if goroutineHeader.MatchString(line) || signalDetailPattern.MatchString(line) || strings.HasPrefix(line, "\t") {
			continue
		}
		function = line
	}
	return "", 0
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func trimBlank(lines []string) []string {
	var out []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
