// Carapace is a security-first personal AI-agent gateway: every tool
// invocation the agent makes passes through a classifier, a rule engine,
// and a user approval gate before it runs.
package main

import "github.com/thiesgerken/carapace/cmd/carapace/cmd"

func main() {
	cmd.Execute()
}
