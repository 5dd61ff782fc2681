package git

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var authorRe = regexp.MustCompile(`^(.*?)\s*<([^>]*)>$`)

// messageIndent is the prefix git log puts in front of every message line
const messageIndent = "    "

// ParseLog parses the default (medium) git log format produced with
// --date=iso-strict into commits, keeping the order of the input. Message
// lines lose exactly one level of indentation.
func ParseLog(out string) ([]Commit, error) {
	var (
		commits []Commit
		current *Commit
		message []string
		inBody  bool
	)

	flush := func() {
		if current == nil {
			return
		}
		current.Message = strings.TrimRight(strings.Join(message, "\n"), "\n")
		commits = append(commits, *current)
		current = nil
		message = nil
		inBody = false
	}

	for i, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "commit "); ok {
			flush()
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return nil, fmt.Errorf("line %d: commit header without hash", i+1)
			}
			current = &Commit{Hash: fields[0]}
			continue
		}
		if current == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, fmt.Errorf("line %d: unexpected text before first commit: %q", i+1, line)
		}

		if inBody {
			if line == "" {
				message = append(message, "")
				continue
			}
			if !strings.HasPrefix(line, messageIndent) {
				return nil, fmt.Errorf("line %d: message line of %s is not indented: %q", i+1, current.Hash, line)
			}
			message = append(message, strings.TrimPrefix(line, messageIndent))
			continue
		}

		switch {
		case line == "":
			inBody = true
		case strings.HasPrefix(line, "Author:"):
			author := strings.TrimSpace(strings.TrimPrefix(line, "Author:"))
			if m := authorRe.FindStringSubmatch(author); m != nil {
				current.AuthorName = m[1]
				current.AuthorEmail = m[2]
			} else {
				current.AuthorName = author
			}
		case strings.HasPrefix(line, "Date:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "Date:"))
			date, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: parsing date of %s: %w", i+1, current.Hash, err)
			}
			current.Date = date
		default:
			// Merge:, Commit: and other headers are not needed
		}
	}
	flush()

	return commits, nil
}
