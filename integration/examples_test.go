//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("RDMAXCHG_TEST_EXAMPLES") == "" {
		s.T().Skip("set RDMAXCHG_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestLoopbackPair() {
	out := s.runExample("examples/loopback_pair", []string{"RDMAXCHG_EXAMPLE_PROVIDER=" + defaultExampleProvider()})
	s.Contains(out, `active read "SERVER"`)
	s.Contains(out, `passive observed "client"`)
}

func (s *ExampleSuite) TestSessionBasic() {
	out := s.runExample("examples/session_basic", nil)
	s.Contains(out, `active read "ping", wrote "pong"`)
	s.Contains(out, `passive saw "pong"`)
}

func (s *ExampleSuite) TestProviderSwitch() {
	out := s.runExample("examples/provider_switch", nil)
	s.Contains(out, "max_qp_wr")
}

func (s *ExampleSuite) runExample(relPath string, extraEnv []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	args := []string{"run"}
	if tags := os.Getenv("RDMAXCHG_INTEGRATION_TAGS"); tags != "" {
		args = append(args, "-tags", tags)
	}
	args = append(args, "./"+relPath)
	cmd := exec.CommandContext(ctx, "go", args...)
	env := os.Environ()
	if device := os.Getenv("RDMAXCHG_INTEGRATION_DEVICE"); device != "" {
		env = append(env, "RDMAXCHG_EXAMPLE_DEVICE="+device)
	}
	cmd.Env = append(env, extraEnv...)
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func defaultExampleProvider() string {
	if provider := os.Getenv("RDMAXCHG_INTEGRATION_PROVIDER"); provider != "" {
		return provider
	}
	return "loopback"
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
