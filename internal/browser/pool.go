package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	containerImage = "browserless/chrome:latest"
	containerPort  = "3000/tcp"
)

// ContainerLauncher runs each browser in its own browserless/chrome container
// and drives it over the published DevTools port.
type ContainerLauncher struct {
	client *client.Client

	readyRetries  int
	readyInterval time.Duration
}

func NewContainerLauncher() (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &ContainerLauncher{
		client:        cli,
		readyRetries:  40,
		readyInterval: 500 * time.Millisecond,
	}, nil
}

func (l *ContainerLauncher) Launch(ctx context.Context, opts LaunchOptions) (Capability, error) {
	if err := l.EnsureImage(ctx); err != nil {
		return nil, err
	}

	userDataDir := opts.UserDataDir
	if userDataDir == "" {
		userDataDir = filepath.Join(os.TempDir(), "webchat-dispatcher-data", opts.SessionID)
	}
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create user data directory: %w", err)
	}

	containerConfig := &container.Config{
		Image: containerImage,
		Labels: map[string]string{
			"session-id": opts.SessionID,
			"managed-by": "webchat-dispatcher",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
			fmt.Sprintf("DEFAULT_HEADLESS=%t", opts.Headless),
			"DEFAULT_USER_DATA_DIR=/data",
		},
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: userDataDir,
				Target: "/data",
			},
		},
	}

	name := "webchat"
	if len(opts.SessionID) >= 8 {
		name = fmt.Sprintf("webchat-%s", opts.SessionID[:8])
	}
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	port, err := l.hostPort(ctx, resp.ID)
	if err != nil {
		l.remove(resp.ID)
		return nil, err
	}

	if err := l.waitForBrowserReady(ctx, port); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	page, err := Connect(ctx, fmt.Sprintf("ws://localhost:%s", port), func() error {
		return l.stop(resp.ID)
	})
	if err != nil {
		l.remove(resp.ID)
		return nil, err
	}
	return page, nil
}

func (l *ContainerLauncher) hostPort(ctx context.Context, containerID string) (string, error) {
	inspect, err := l.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", containerID)
	}
	bindings := inspect.NetworkSettings.Ports[containerPort]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container %s did not publish %s", containerID, containerPort)
	}
	return bindings[0].HostPort, nil
}

func (l *ContainerLauncher) stop(containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	timeout := 10
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (l *ContainerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// EnsureImage pulls the browser image when it is not present locally.
func (l *ContainerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == containerImage {
				return nil
			}
		}
	}

	reader, err := l.client.ImagePull(ctx, containerImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Ping reports whether the docker daemon is reachable.
func (l *ContainerLauncher) Ping(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

func (l *ContainerLauncher) Close() error {
	return l.client.Close()
}

// waitForBrowserReady polls /json/version until the browser answers.
func (l *ContainerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)

	for i := 0; i < l.readyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.readyInterval):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", l.readyRetries)
}
