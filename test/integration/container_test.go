package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ehr/phonesync/internal/platform/db"
)

const (
	// databaseURLEnv points the suite at an existing server instead of a
	// throwaway container.
	databaseURLEnv = "PHONESYNC_TEST_DATABASE_URL"
	imageEnv       = "PHONESYNC_TEST_PG_IMAGE"
	defaultImage   = "postgres:16-alpine"
)

// postgresURL returns the server the suite migrates its per-test schemas
// into, with a function that releases it. An external server from
// databaseURLEnv is left running; otherwise a container is started.
func postgresURL(ctx context.Context) (string, func(), error) {
	if url := os.Getenv(databaseURLEnv); url != "" {
		if err := waitForPostgres(ctx, url, 10*time.Second); err != nil {
			return "", nil, fmt.Errorf("%s: %w", databaseURLEnv, err)
		}
		return url, func() {}, nil
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, errNoDocker
	}
	return startContainer(ctx)
}

var errNoDocker = fmt.Errorf("docker not found and %s not set", databaseURLEnv)

// startContainer runs a disposable Postgres bound to a loopback port docker
// picks and waits for it to accept connections.
func startContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv(imageEnv)
	if image == "" {
		image = defaultImage
	}
	name := fmt.Sprintf("phonesync-it-%d", time.Now().UnixNano())

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=phonesync",
		"-e", "POSTGRES_PASSWORD=phonesync",
		"-e", "POSTGRES_DB=phonesync",
		image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w: %s", image, err, out)
	}
	stop := func() { _ = exec.Command("docker", "rm", "-f", name).Run() }

	out, err = exec.CommandContext(ctx, "docker", "port", name, "5432/tcp").Output()
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("docker port %s: %w", name, err)
	}
	// "127.0.0.1:49153", possibly followed by an IPv6 line.
	addr := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])

	url := fmt.Sprintf("postgres://phonesync:phonesync@%s/phonesync?sslmode=disable", addr)
	if err := waitForPostgres(ctx, url, 30*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return url, stop, nil
}

// waitForPostgres polls with the service's own pool constructor until the
// server accepts a ping.
func waitForPostgres(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		pool, err := db.NewPool(ctx, db.PoolOptions{URL: url, MaxConns: 1})
		if err == nil {
			pool.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-time.After(500 * time.Millisecond):
		}
	}
}
