// Package params implements the positional {k} substitution language used
// by array jobs and the array parameter files that feed it.
package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/me/jobrunner/pkg/model"
)

// Mode selects how strictly placeholders are recognized.
type Mode int

const (
	// ModeLocal accepts exactly one digit, {1} through {9}.
	ModeLocal Mode = iota
	// ModeRemote accepts any positive decimal index; the compute node tool
	// does the substitution.
	ModeRemote
)

// MaxLocalPlaceholder is the highest placeholder index usable in local mode.
const MaxLocalPlaceholder = 9

// placeholder is one {k} token found in a template.
type placeholder struct {
	start, end int // template[start:end] == "{k}"
	index      int
}

// scan finds every placeholder in template. Brace groups whose content is
// not all decimal digits are not placeholders and are left alone.
func scan(template string, mode Mode) ([]placeholder, error) {
	var found []placeholder
	for i := 0; i < len(template); i++ {
		if template[i] != '{' {
			continue
		}
		j := strings.IndexByte(template[i+1:], '}')
		if j < 0 {
			break
		}
		content := template[i+1 : i+1+j]
		if !isDigits(content) {
			continue
		}
		token := template[i : i+j+2]
		k, err := strconv.Atoi(content)
		if err != nil {
			return nil, &model.SubstitutionError{Template: template, Placeholder: token, Reason: "index is not a number"}
		}
		switch {
		case k == 0:
			return nil, &model.SubstitutionError{Template: template, Placeholder: token, Reason: "placeholders are numbered from 1"}
		case mode == ModeLocal && len(content) != 1:
			return nil, &model.SubstitutionError{
				Template:    template,
				Placeholder: token,
				Reason:      fmt.Sprintf("local execution supports {1} through {%d} only", MaxLocalPlaceholder),
			}
		}
		found = append(found, placeholder{start: i, end: i + j + 2, index: k})
		i += j + 1
	}
	return found, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Expand replaces each {k} in template with the k-th element of params.
// The substitution is a single textual pass; parameter values are not
// themselves expanded.
func Expand(template string, params []string, mode Mode) (string, error) {
	found, err := scan(template, mode)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return template, nil
	}

	var b strings.Builder
	last := 0
	for _, p := range found {
		if p.index > len(params) {
			return "", &model.SubstitutionError{
				Template:    template,
				Placeholder: template[p.start:p.end],
				Params:      len(params),
				Reason:      fmt.Sprintf("only %d parameters available", len(params)),
			}
		}
		b.WriteString(template[last:p.start])
		b.WriteString(params[p.index-1])
		last = p.end
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

// Placeholders returns the distinct placeholder indices referenced by
// template, sorted ascending.
func Placeholders(template string, mode Mode) ([]int, error) {
	found, err := scan(template, mode)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(found))
	var out []int
	for _, p := range found {
		if !seen[p.index] {
			seen[p.index] = true
			out = append(out, p.index)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Validate checks that every placeholder in template can be filled from
// every one of lines. The first offending line is reported.
func Validate(template string, lines [][]string, mode Mode) error {
	indices, err := Placeholders(template, mode)
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		return nil
	}
	highest := indices[len(indices)-1]
	for n, line := range lines {
		if highest > len(line) {
			return &model.SubstitutionError{
				Template:    template,
				Placeholder: "{" + strconv.Itoa(highest) + "}",
				Line:        n + 1,
				Params:      len(line),
				Reason:      fmt.Sprintf("line has only %d parameters", len(line)),
			}
		}
	}
	return nil
}
