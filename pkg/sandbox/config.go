package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"sandbox-gateway/pkg/session"
)

// ConfigFileName is the runtime config artifact the backing notebook server
// reads at startup. It lives inside the session's workspace.
const ConfigFileName = "notebook_config.py"

// configTemplate is the Python-syntax notebook server config. The sandbox
// binds to loopback only; external reachability is solely through the
// proxy. The P3P header value uses the single-quoted form — older
// generators emitted it with broken double-quote nesting, which
// confheal.RepairFile still fixes up on legacy workspaces.
const configTemplate = `# Generated by sandbox-gateway. Do not edit.
c = get_config()

c.NotebookApp.ip = '127.0.0.1'
c.NotebookApp.port = %d
c.NotebookApp.port_retries = 0
c.NotebookApp.token = '%s'
c.NotebookApp.notebook_dir = '%s'
c.NotebookApp.open_browser = False
c.NotebookApp.allow_remote_access = False
c.NotebookApp.allow_origin = ''
c.NotebookApp.tornado_settings = {
    "headers": {
        "Content-Security-Policy": "frame-ancestors 'self'",
        "P3P": 'CP="ALL DSP COR NID CUR OUR BUS"'
    }
}
`

// WriteRuntimeConfig renders the notebook config for the session into its
// workspace and returns the file path. The workspace directory is created
// if missing.
func WriteRuntimeConfig(sess *session.Session) (string, error) {
	if err := os.MkdirAll(sess.WorkspaceDir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", sess.WorkspaceDir, err)
	}

	path := filepath.Join(sess.WorkspaceDir, ConfigFileName)
	content := fmt.Sprintf(configTemplate, sess.Port, sess.Token, sess.WorkspaceDir)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing notebook config: %w", err)
	}
	return path, nil
}
