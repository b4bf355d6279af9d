// Package phase decodes the line-oriented progress protocol emitted by the
// experiment script. Machine-readable lines of the form PHASE:<name>|<percent>
// are turned into events; everything else is passed through for logging.
package phase

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Prefix marks a machine-readable progress line.
const Prefix = "PHASE:"

// Event is one (phase, percent) progress signal.
type Event struct {
	Phase   string
	Percent int
}

// Parser consumes a child process output stream. A Parser is tied to one
// stream; a new child process gets a new Parser.
type Parser struct {
	log logrus.FieldLogger
}

// NewParser creates a parser that logs passthrough output lines.
func NewParser(log logrus.FieldLogger) *Parser {
	return &Parser{
		log: log.WithField("component", "phase-parser"),
	}
}

// Parse reads r line by line until the stream closes, invoking onEvent for
// each well-formed phase line in receipt order. Malformed phase lines are
// dropped: a cosmetic progress defect must never abort the experiment
// itself. The returned error reflects only stream-level read failures.
func (p *Parser) Parse(r io.Reader, onEvent func(Event)) error {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ev, ok := parseLine(line)
		if !ok {
			// Human-readable output, or a phase line too mangled
			// to interpret. Surface it either way.
			p.log.WithField("line", line).Debug("Script output")

			continue
		}

		onEvent(ev)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading script output: %w", err)
	}

	return nil
}

// parseLine interprets a single line. It reports ok=false for anything that
// is not a well-formed phase line.
func parseLine(line string) (Event, bool) {
	rest, found := strings.CutPrefix(line, Prefix)
	if !found {
		return Event{}, false
	}

	name, percentStr, found := strings.Cut(rest, "|")
	if !found || name == "" {
		return Event{}, false
	}

	percent, err := strconv.Atoi(percentStr)
	if err != nil || percent < 0 || percent > 100 {
		return Event{}, false
	}

	return Event{Phase: name, Percent: percent}, true
}
