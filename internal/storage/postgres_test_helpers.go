//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func startEphemeralPostgres(t *testing.T) (string, func()) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("BITRIVER_TEST_POSTGRES_DSN not set and docker unavailable")
	}

	user := envOr("BITRIVER_TEST_POSTGRES_USER", "bitriver")
	password := envOr("BITRIVER_TEST_POSTGRES_PASSWORD", "bitriver")
	db := envOr("BITRIVER_TEST_POSTGRES_DB", "bitriver_ingest_test")
	port := envOr("BITRIVER_TEST_POSTGRES_PORT", "54329")
	image := envOr("BITRIVER_TEST_POSTGRES_IMAGE", "postgres:15-alpine")

	containerName := fmt.Sprintf("bitr-ingest-postgres-test-%d", time.Now().UnixNano())
	args := []string{
		"run",
		"--rm",
		"--detach",
		"--name", containerName,
		"--publish", fmt.Sprintf("%s:5432", port),
		"--env", fmt.Sprintf("POSTGRES_USER=%s", user),
		"--env", fmt.Sprintf("POSTGRES_PASSWORD=%s", password),
		"--env", fmt.Sprintf("POSTGRES_DB=%s", db),
		"--health-cmd", fmt.Sprintf("pg_isready -U %s -d %s", user, db),
		"--health-interval", "5s",
		"--health-timeout", "5s",
		"--health-retries", "10",
		image,
	}

	if output, err := exec.Command("docker", args...).CombinedOutput(); err != nil {
		t.Skipf("start postgres container: %v: %s", err, string(output))
	}

	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	}

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		output, err := exec.Command("docker", "inspect", "--format", "{{.State.Health.Status}}", containerName).CombinedOutput()
		status := strings.TrimSpace(string(output))
		if err == nil && status == "healthy" {
			dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", user, password, port, db)
			return dsn, cleanup
		}
		if status == "unhealthy" {
			break
		}
		time.Sleep(time.Second)
	}

	logs, _ := exec.Command("docker", "logs", containerName).CombinedOutput()
	cleanup()
	t.Fatalf("postgres container did not become healthy: %s", string(logs))
	return "", nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

// openTestStore connects to BITRIVER_TEST_POSTGRES_DSN, or to a throwaway
// container when unset, applies the schema and truncates both tables.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("BITRIVER_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		var dockerCleanup func()
		dsn, dockerCleanup = startEphemeralPostgres(t)
		t.Cleanup(dockerCleanup)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, ApplySchema: true})
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	if _, err := store.pool.Exec(ctx, "TRUNCATE rtmp_keys, streams RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(context.Background()); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
