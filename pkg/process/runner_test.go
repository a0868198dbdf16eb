package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func sh(script string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunSuccessStreamsLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	c := sh("echo one; echo two 1>&2; printf three")
	c.OnLine = func(l string) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	}

	res, err := NewExecRunner().Run(context.Background(), c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code %d", res.ExitCode)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	if !strings.Contains(res.Stdout, "one") || !strings.Contains(res.Stderr, "two") {
		t.Fatalf("capture missing output: %+v", res)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	res, err := NewExecRunner().Run(context.Background(), sh("echo failing >&2; exit 3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
	if res.Tail(5) != "failing" {
		t.Fatalf("unexpected tail %q", res.Tail(5))
	}
}

func TestRunMissingBinaryIsLaunchError(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), Command{Name: "/nonexistent/terragrunt"})
	var launch *LaunchError
	if !errors.As(err, &launch) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	c := sh("sleep 5")
	c.Timeout = 100 * time.Millisecond

	r := NewExecRunner()
	r.GracePeriod = 100 * time.Millisecond
	_, err := r.Run(context.Background(), c)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatal("timeout must be distinct from cancellation")
	}
}

func TestRunCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	c := sh("sleep 5")
	c.Timeout = time.Minute
	r := NewExecRunner()
	r.GracePeriod = 100 * time.Millisecond
	_, err := r.Run(ctx, c)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunStdoutRedirectAndEnv(t *testing.T) {
	dir := t.TempDir()
	out, err := os.Create(filepath.Join(dir, "out.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	var streamed []string
	c := sh(`printf '{"v":"%s"}' "$TG_TEST_VALUE"`)
	c.Dir = dir
	c.Env = map[string]string{"TG_TEST_VALUE": "x1"}
	c.Stdout = out
	c.OnLine = func(l string) { streamed = append(streamed, l) }

	if _, err := NewExecRunner().Run(context.Background(), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, _ := os.ReadFile(out.Name())
	if string(data) != `{"v":"x1"}` {
		t.Fatalf("unexpected file content %q", data)
	}
	if len(streamed) != 0 {
		t.Fatalf("redirected stdout must not be streamed: %q", streamed)
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	want := []string{"A=1", "B=3", "C=4"}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", env, want)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	b := newTailBuffer(4)
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))
	if b.String() != "efgh" {
		t.Fatalf("got %q", b.String())
	}
}
