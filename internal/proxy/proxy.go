// Package proxy loads the candidate proxy list. Selection is informational
// only: the current design always dials SMTP servers directly, and the
// chosen candidate is merely reported in debug traces.
package proxy

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// Candidate is one proxy record from the list file.
type Candidate struct {
	Host     string
	Port     string
	Username string
	Password string
	Type     string
}

// Addr returns the candidate's host:port.
func (c Candidate) Addr() string { return c.Host + ":" + c.Port }

// Selector picks a random candidate from a CSV file of
// host,port[,username,password[,type]] lines. Blank lines and #-comments
// are skipped.
type Selector struct {
	path string
}

// NewSelector creates a Selector reading from path.
func NewSelector(path string) *Selector {
	return &Selector{path: path}
}

// Load parses the proxy file. A missing file is not an error; it yields an
// empty list.
func (s *Selector) Load() ([]Candidate, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}

	var candidates []Candidate
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := csv.NewReader(strings.NewReader(line)).Read()
		if err != nil || len(fields) < 2 {
			continue
		}

		c := Candidate{
			Host: strings.TrimSpace(fields[0]),
			Port: strings.TrimSpace(fields[1]),
			Type: "http",
		}
		if len(fields) > 2 {
			c.Username = strings.TrimSpace(fields[2])
		}
		if len(fields) > 3 {
			c.Password = strings.TrimSpace(fields[3])
		}
		if len(fields) > 4 && strings.TrimSpace(fields[4]) != "" {
			c.Type = strings.TrimSpace(fields[4])
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Pick returns a random candidate, or ok=false when the list is empty or
// unreadable.
func (s *Selector) Pick() (Candidate, bool) {
	candidates, err := s.Load()
	if err != nil || len(candidates) == 0 {
		return Candidate{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}
