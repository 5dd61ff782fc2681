package git

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// tokenEnv carries the https token to the credential helper
const tokenEnv = "SYNC_CONFIG_GIT_TOKEN"

// configureAuth prepares cmd to talk to the remote at url. SSH remotes use
// the configured key, https remotes a token handed to an inline credential
// helper. Remotes of any other kind, such as local paths, run unchanged.
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && isSSHURL(url) {
		// quoted: git runs GIT_SSH_COMMAND through the shell
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		cmd.Env = append(cmd.Env, tokenEnv+"="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$`+tokenEnv+`"; }; f`,
		)
	}

	return nil
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags inserts flags right after the git binary, ahead of any
// other global flags and the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	return append(result, args[1:]...)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
