package kbsync_test

import (
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type composeFile struct {
	Services map[string]struct {
		Image    string   `yaml:"image"`
		Command  []string `yaml:"command"`
		Networks []string `yaml:"networks"`
	} `yaml:"services"`
	Networks map[string]struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

func readDockerfile(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}
	return string(data)
}

func readCompose(t *testing.T) composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var c composeFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("docker-compose.yml is not valid YAML: %v", err)
	}
	return c
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readDockerfile(t)

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") && !strings.Contains(lastFrom, "alpine") && !strings.Contains(lastFrom, "scratch") {
		t.Errorf("final stage should use a minimal base image (distroless/alpine/scratch), got: %s", lastFrom)
	}
}

func TestDockerfileBuildsKbsync(t *testing.T) {
	content := readDockerfile(t)

	if !strings.Contains(content, "./cmd/kbsync") {
		t.Error("Dockerfile should build ./cmd/kbsync")
	}
	if !strings.Contains(content, "ENTRYPOINT") {
		t.Error("Dockerfile should contain ENTRYPOINT")
	}
	// distrolessにはシェルがないためヘルスチェックはサブコマンドで行う
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("Dockerfile HEALTHCHECK should use the healthcheck subcommand")
	}
}

func TestDockerComposeServices(t *testing.T) {
	c := readCompose(t)

	for _, name := range []string{"api", "worker", "db", "rabbitmq"} {
		if _, ok := c.Services[name]; !ok {
			t.Errorf("docker-compose.yml should contain service %q", name)
		}
	}
	if !strings.HasPrefix(c.Services["db"].Image, "postgres:") {
		t.Errorf("db image = %q, want postgres", c.Services["db"].Image)
	}
	if cmd := c.Services["worker"].Command; len(cmd) == 0 || cmd[0] != "worker" {
		t.Errorf("worker command = %v", cmd)
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	c := readCompose(t)

	// DBとブローカーは内部ネットワークのみに置く
	if !c.Networks["backend"].Internal {
		t.Error("backend network should be internal")
	}
	for _, svc := range []string{"db", "rabbitmq"} {
		for _, n := range c.Services[svc].Networks {
			if !c.Networks[n].Internal {
				t.Errorf("%s should not join non-internal network %q", svc, n)
			}
		}
	}

	// ソースシステムへ接続するapiとworkerのみ外部通信を許可する
	for _, svc := range []string{"api", "worker"} {
		found := false
		for _, n := range c.Services[svc].Networks {
			if !c.Networks[n].Internal {
				found = true
			}
		}
		if !found {
			t.Errorf("%s should join an egress network", svc)
		}
	}
}
