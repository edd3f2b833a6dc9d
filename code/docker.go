package code

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/relayforge/refactd"
)

// DockerRunner executes code inside a throwaway Docker container instead of
// a bare subprocess, giving the prelude/postlude protocol of subprocess.go a
// filesystem and network boundary separate from the host. Implements
// refactd.CodeRunner.
type DockerRunner struct {
	cli   *client.Client
	image string
	cfg   runnerConfig
}

var _ refactd.CodeRunner = (*DockerRunner)(nil)

// NewDockerRunner creates a DockerRunner that runs code inside containers
// started from image (e.g. "python:3.12-slim"), talking to the daemon named
// by DOCKER_HOST / the default socket. It takes the same Option values
// SubprocessRunner does; timeout, maxOutput and WithEnv take effect, while
// WithWorkspace and WithEnvPassthrough have no effect (the container always
// sees _OASIS_WORKSPACE=/workspace and only the WithEnv variables).
func NewDockerRunner(image string, opts ...Option) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker code runner: connect to daemon: %w", err)
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &DockerRunner{cli: cli, image: image, cfg: cfg}, nil
}

// Close releases the Docker client's connection to the daemon.
func (r *DockerRunner) Close() error { return r.cli.Close() }

// Run starts a container, pipes the prelude+code+postlude script to it over
// a hijacked stdin/stdout connection using the same JSON-line protocol
// SubprocessRunner speaks, and tears the container down afterward regardless
// of outcome (AutoRemove).
func (r *DockerRunner) Run(ctx context.Context, req refactd.CodeRequest, dispatch refactd.DispatchFunc) (refactd.CodeResult, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return refactd.CodeResult{
				Error:    fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
			}, nil
		}
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := preludeSource + "\n" + req.Code + "\n" + postludeSource
	interpreter, runtimeBin := "python3", req.Runtime
	if runtimeBin == "" || runtimeBin == "python" {
		runtimeBin = interpreter
	}

	containerCfg := &container.Config{
		Image:        r.image,
		Cmd:          []string{runtimeBin, "-c", script},
		Env:          r.buildEnv(),
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		// No published ports and no network: the sandbox's only I/O surface
		// is the attached stdin/stdout protocol stream.
		ExposedPorts: nat.PortSet{},
	}
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: "none",
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		// Image not present locally is the common first-run case; pull and
		// retry once before giving up.
		if pullErr := r.pullImage(ctx); pullErr == nil {
			created, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
		}
		if err != nil {
			return refactd.CodeResult{}, fmt.Errorf("docker code runner: create container: %w", err)
		}
	}
	containerID := created.ID
	defer r.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})

	attach, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return refactd.CodeResult{}, fmt.Errorf("docker code runner: attach: %w", err)
	}
	defer attach.Close()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return refactd.CodeResult{}, fmt.Errorf("docker code runner: start container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	var logsBuf strings.Builder
	var logsMu sync.Mutex
	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, &syncWriter{w: &logsBuf, mu: &logsMu, max: r.cfg.maxOutput}, attach.Reader)
		stdoutW.CloseWithError(err)
		demuxDone <- err
	}()

	finalOutput, protoErr := r.runProtocol(ctx, stdoutR, attach.Conn, dispatch)
	<-demuxDone

	statusCh, errCh := r.cli.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case werr := <-errCh:
		if werr != nil && ctx.Err() == nil {
			return refactd.CodeResult{}, fmt.Errorf("docker code runner: wait: %w", werr)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
	}

	logsMu.Lock()
	logs := logsBuf.String()
	logsMu.Unlock()

	result := refactd.CodeResult{Output: finalOutput, Logs: logs, ExitCode: exitCode}
	if ctx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("execution timed out after %s", timeout)
		result.ExitCode = -1
	} else if protoErr != nil {
		result.Error = protoErr.Error()
	} else if exitCode != 0 {
		result.Error = fmt.Sprintf("exit code %d", exitCode)
	}
	return result, nil
}

// runProtocol mirrors SubprocessRunner's scanner loop but reads demuxed
// container stdout and writes to the hijacked connection's stdin instead of
// an os/exec pipe pair.
func (r *DockerRunner) runProtocol(ctx context.Context, stdout io.Reader, stdin io.Writer, dispatch refactd.DispatchFunc) (string, error) {
	var finalOutput string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, r.cfg.maxOutput), r.cfg.maxOutput)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg protocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "tool_call":
			sub := &SubprocessRunner{cfg: r.cfg}
			writeJSON(stdin, sub.handleToolCall(ctx, msg, dispatch))
		case "tool_calls_parallel":
			sub := &SubprocessRunner{cfg: r.cfg}
			writeJSON(stdin, sub.handleToolCallsParallel(ctx, msg, dispatch))
		case "result":
			data, _ := json.Marshal(msg.Data)
			finalOutput = string(data)
		}
	}
	return finalOutput, scanner.Err()
}

func (r *DockerRunner) buildEnv() []string {
	env := []string{"_OASIS_WORKSPACE=/workspace"}
	for k, v := range r.cfg.envVars {
		env = append(env, k+"="+v)
	}
	return env
}

func (r *DockerRunner) pullImage(ctx context.Context) error {
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// syncWriter bounds the stderr (logs) side of the demuxed stream the same
// way stderrWriter bounds a subprocess's stderr pipe.
type syncWriter struct {
	w   *strings.Builder
	mu  *sync.Mutex
	max int
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.w.Len() < sw.max {
		remaining := sw.max - sw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		sw.w.Write(p)
	}
	return len(p), nil
}
