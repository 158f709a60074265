package suite

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeout is the per-case wall-clock budget when a suite names none.
const DefaultTimeout = time.Second

// Case is one input/expected-output pair. A submission passes the case when
// its stdout contains Expected anywhere.
type Case struct {
	Input    string `yaml:"input" json:"-"`
	Expected string `yaml:"expected_output" json:"-"`
}

// Suite is the ordered list of cases a grading pass runs, plus the per-case timeout.
type Suite struct {
	Name    string        `yaml:"name" json:"name"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Cases   []Case        `yaml:"cases" json:"-"`
}

// Default returns the built-in suite: square a number read from stdin.
func Default() *Suite {
	return &Suite{
		Name:    "square",
		Timeout: DefaultTimeout,
		Cases: []Case{
			{Input: "5\n", Expected: "25\n"},
			{Input: "10\n", Expected: "100\n"},
		},
	}
}

// Load reads a suite from a YAML file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite %s: %w", path, err)
	}

	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing suite %s: %w", path, err)
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks that the suite can be graded.
func (s *Suite) Validate() error {
	if len(s.Cases) == 0 {
		return errors.New("no test cases")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	for i, c := range s.Cases {
		if c.Expected == "" {
			return fmt.Errorf("case %d: expected_output is empty", i+1)
		}
	}
	return nil
}
