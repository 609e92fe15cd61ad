package loader

import (
	"bufio"
	"os"
	"strings"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// LineColumn holds one line of a text stream.
const LineColumn = "line"

// ReadText loads a text file with one row per line.
func ReadText(path string) (*frame.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return frame.New("", frame.NewString(LineColumn, lines))
}
