package params

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/me/jobrunner/pkg/model"
)

// maxLineSize bounds a single array file line.
const maxLineSize = 1 << 20

// File is a parsed array parameter file: one task per line, whitespace
// separated parameters, no header and no quoting.
type File struct {
	Path  string
	Lines [][]string
}

// Parse reads an array parameter file from r. Blank lines are kept as
// zero-parameter tasks so that line numbers and task numbers agree.
func Parse(r io.Reader) (*File, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	f := &File{}
	for sc.Scan() {
		f.Lines = append(f.Lines, strings.Fields(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", model.ErrArrayFile, err)
	}
	return f, nil
}

// ParseFile opens and parses the array file at path. A missing or empty
// file is an error wrapping model.ErrArrayFile.
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist", model.ErrArrayFile, path)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrArrayFile, err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Len() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", model.ErrArrayFile, path)
	}
	f.Path = path
	return f, nil
}

// Len returns the number of lines, which is the maximum task count.
func (f *File) Len() int {
	return len(f.Lines)
}

// Head returns the first n lines. n <= 0 or n beyond the file length
// returns every line.
func (f *File) Head(n int) [][]string {
	if n <= 0 || n > len(f.Lines) {
		return f.Lines
	}
	return f.Lines[:n]
}
