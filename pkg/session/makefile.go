package session

import (
	"bytes"
	"strings"

	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/iostack"
	"github.com/quire-tex/quire/pkg/resource"
)

// MakefileRule renders a single Makefile rule. The output is a pure
// function of its arguments.
func MakefileRule(targets, prerequisites []string) []byte {
	var buf bytes.Buffer
	for i, t := range targets {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(escapeMakePath(t))
	}
	buf.WriteString(":")
	for _, p := range prerequisites {
		buf.WriteByte(' ')
		buf.WriteString(escapeMakePath(p))
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func escapeMakePath(p string) string {
	return strings.ReplaceAll(p, " ", `\ `)
}

// writeMakefileRules writes the dependency file for the files in keep.
func (s *Session) writeMakefileRules(keep []iostack.Entry) error {
	if s.opts.MakefileRules == "" {
		return nil
	}

	targets := make([]string, 0, len(keep))
	for _, e := range keep {
		targets = append(targets, s.output.Path(e.Name))
	}
	var prereqs []string
	for _, e := range s.stack.Record().Prerequisites() {
		prereqs = append(prereqs, e.Path)
	}

	if err := resource.WriteFileAtomic(s.opts.MakefileRules, MakefileRule(targets, prereqs)); err != nil {
		return fault.IO("", "cannot write dependency file", err).WithResource(s.opts.MakefileRules).WithOp("makefile rules")
	}
	s.logger.Zerolog().Debug().Str("path", s.opts.MakefileRules).Int("targets", len(targets)).Int("prerequisites", len(prereqs)).Msg("dependency file written")
	return nil
}
