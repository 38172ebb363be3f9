// Package termrender implements the two output paths every session
// reader goes through: a lossy ANSI-stripping Clean path, and a
// stateless terminal-emulator Render path.
//
// Render wraps charmbracelet/x/vt's vt.NewSafeEmulator and walks
// CellAt(x, y) to build plain-text rows. It builds and discards a fresh
// emulator on every call rather than keeping one alive across the
// session, so repeated calls are independent of call order.
package termrender

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/vt"
)

var (
	cscRe        = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	oscRe        = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	otherEscRe   = regexp.MustCompile(`\x1b[()][AB012]|\x1b[=>cM78]`)
	progressRe   = regexp.MustCompile(`^\s*\d{1,3}%|[█▓▒░]{2,}`)
	markerLineRe = regexp.MustCompile(`__SILC_(BEGIN|END)_\w+__`)
	helperEchoRe = regexp.MustCompile(`__silc_exec`)
)

// Clean strips ANSI control sequences from raw PTY bytes, collapses
// carriage-return overwrites to the final text on each line, collapses
// runs of progress-bar frames to their last frame, and caps consecutive
// blank lines at one. It is lossy: intended for "give me the last N
// lines" rather than an exact screen reproduction.
func Clean(data []byte) string {
	s := string(data)
	s = oscRe.ReplaceAllString(s, "")
	s = cscRe.ReplaceAllString(s, "")
	s = otherEscRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")

	rawLines := strings.Split(s, "\n")
	lines := make([]string, 0, len(rawLines))
	for _, line := range rawLines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			line = line[idx+1:]
		}
		lines = append(lines, line)
	}

	lines = collapseProgressFrames(lines)
	lines = capBlankRuns(lines)

	return strings.Join(lines, "\n")
}

func collapseProgressFrames(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if progressRe.MatchString(line) && len(out) > 0 && progressRe.MatchString(out[len(out)-1]) {
			out[len(out)-1] = line
			continue
		}
		out = append(out, line)
	}
	return out
}

func capBlankRuns(lines []string) []string {
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return out
}

// Render replays the entire buffer through a fresh terminal emulator of
// the given size and returns the resulting visible screen as plain-text
// lines, with session-internal marker lines and shell-helper echoes
// filtered out and trailing blank lines trimmed.
func Render(data []byte, rows, cols int) []string {
	term := vt.NewSafeEmulator(cols, rows)
	term.Write(data)

	lines := make([]string, 0, rows)
	for y := 0; y < rows; y++ {
		var line []rune
		for x := 0; x < cols; x++ {
			cell := term.CellAt(x, y)
			if cell != nil && cell.Content != "" {
				runes := []rune(cell.Content)
				line = append(line, runes[0])
			} else {
				line = append(line, ' ')
			}
		}
		lines = append(lines, strings.TrimRight(string(line), " "))
	}

	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if markerLineRe.MatchString(line) || helperEchoRe.MatchString(line) {
			continue
		}
		filtered = append(filtered, line)
	}

	for len(filtered) > 0 && filtered[len(filtered)-1] == "" {
		filtered = filtered[:len(filtered)-1]
	}
	return filtered
}

// RenderLast is Render followed by taking the last n lines of the
// result, the shape get_output(n, raw=false) needs.
func RenderLast(data []byte, rows, cols, n int) []string {
	lines := Render(data, rows, cols)
	if n <= 0 || n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

// StripMarkerLines removes any line matching the marker regex, used as
// the defense-in-depth pass after run_command extracts captured output.
func StripMarkerLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if markerLineRe.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// StripOSC removes OSC escape sequences (e.g. OSC 9/777 notifications)
// from captured command output using a BEL/ST-terminated scan.
func StripOSC(s string) string {
	return oscRe.ReplaceAllString(s, "")
}
