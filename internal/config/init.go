package config

import (
	"fmt"
	"os"
)

// DefaultConfigYAML is the starter runner configuration written by `conveyor init`.
const DefaultConfigYAML = `# Conveyor runner configuration
data_dir: ./conveyor-data

logging:
  level: info
  format: text

# Outbound mail relay for notification post blocks. Leave host empty to
# disable delivery (post blocks are still evaluated and logged).
smtp:
  host: ""
  port: 25
  from: conveyor@example.com

nats:
  enabled: false
  url: nats://localhost:4222

metrics:
  enabled: true

http:
  listen: ":8099"
  base_url: http://localhost:8099

daemon:
  agents:
    - name: agent-1
      labels: [docker-build]
  pipelines:
    - file: pipeline.yaml
      schedule: "@every 6h"
`

// DefaultPipelineYAML is the starter pipeline definition written by `conveyor init`.
const DefaultPipelineYAML = `name: example
agent:
  label: docker-build
environment:
  IMAGE_NAME: example-tests:latest
stages:
  - name: build-image
    steps:
      - docker_build:
          context: .
          dockerfile: Dockerfile
          tag: ${IMAGE_NAME}
  - name: run-tests
    steps:
      - docker_run:
          image: ${IMAGE_NAME}
          shell: /bin/bash
          script: |
            ./run_tests.sh
          mask_exit_code: true
      - junit:
          results: test-output/results_*.xml
          on_empty: unstable
post:
  - when: changed
    mail:
      to: [team@example.com]
      subject: "Pipeline {{.DisplayName}} changed status"
      body: |
        Result: {{.Result}}
        Job '{{.Pipeline}} [{{.Number}}]'
        Check console output at {{.ConsoleURL}}
`

// WriteStarterFiles writes the starter config and pipeline files. Existing
// files are left alone unless force is set.
func WriteStarterFiles(configPath, pipelinePath string, force bool) error {
	for _, f := range []struct {
		path    string
		content string
	}{
		{configPath, DefaultConfigYAML},
		{pipelinePath, DefaultPipelineYAML},
	} {
		if _, err := os.Stat(f.path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", f.path)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}
